package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection. When the broker becomes
// unreachable it reconnects with exponential backoff and tells its
// listeners, which rebuild whatever lived on the old connection.
type ConnectionManager struct {
	url               string
	conn              *amqp.Connection
	mu                sync.RWMutex
	connectTimeout    time.Duration
	heartbeat         time.Duration
	vhost             string
	connectionName    string
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *zap.Logger
	isConnected       bool
	closed            bool
	done              chan struct{}
	stateListeners    []ConnectionStateListener
	listenersMu       sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds a single dial attempt, including the AMQP handshake.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithVhost overrides the virtual host given in the URL
func WithVhost(vhost string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.vhost = vhost
	}
}

// WithConnectionName sets the client-provided connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the backoff between reconnection attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		connectTimeout:    2 * time.Second,
		heartbeat:         10 * time.Second,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		maxRetries:        -1, // infinite retries by default
		logger:            zap.NewNop(),
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. Failure here is returned to
// the caller; only later losses are retried in the background.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()

	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.setConnection(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", zap.String("url", SanitizeURL(cm.url)))
	cm.notifyConnected()

	go cm.watch(notifyClose)

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops any reconnection in progress
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}

	cm.closed = true
	cm.isConnected = false
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// setConnection must be called with cm.mu held.
func (cm *ConnectionManager) setConnection(conn *amqp.Connection) <-chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if cm.connectionName != "" {
		props.SetClientConnectionName(cm.connectionName)
	}

	return amqp.Config{
		Heartbeat:  cm.heartbeat,
		Vhost:      cm.vhost,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(cm.connectTimeout),
	}
}

// dial opens a connection, giving up after connectTimeout or when ctx ends.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, cm.amqpConfig())
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err

	case <-dialCtx.Done():
		// The handshake may still complete; don't leak that connection.
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watch waits for the current connection to drop and starts reconnecting
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case <-cm.done:
		return

	case amqpErr := <-notifyClose:
		select {
		case <-cm.done:
			return
		default:
		}

		var err error = ErrConnectionClosed
		if amqpErr != nil {
			err = amqpErr
		}
		cm.logger.Warn("broker unreachable", zap.Error(err))

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()
	}
}

// reconnect retries the dial with exponential backoff until it succeeds,
// the retry budget runs out, or the manager is closed.
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	startTime := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		cm.notifyReconnecting(attempt)

		conn, err := cm.dial(ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		}
		notifyClose := cm.setConnection(conn)
		cm.mu.Unlock()

		go cm.watch(notifyClose)
		return nil
	}

	notify := func(err error, next time.Duration) {
		cm.logger.Warn("reconnection failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("nextRetryIn", next))
	}

	if err := backoff.RetryNotify(operation, cm.newBackOff(ctx), notify); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
			return
		}

		cm.logger.Error("max reconnection attempts reached",
			zap.Int("attempts", attempt),
			zap.Duration("duration", time.Since(startTime)))

		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
		return
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		zap.Int("attempts", attempt),
		zap.Duration("duration", time.Since(startTime)))

	cm.notifyConnected()
}

func (cm *ConnectionManager) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cm.reconnectDelay
	exp.MaxInterval = cm.maxReconnectDelay
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if cm.maxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(cm.maxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
