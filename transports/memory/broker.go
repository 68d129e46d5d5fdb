// Package memory provides an in-process messaging.Transport. A Broker
// routes direct exchanges to bound queues; each Transport created from it
// acts as one connection. It is meant for tests and local development.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/svcbus/messaging"
)

var (
	// ErrUnreachable is returned by Connect while the broker is down
	ErrUnreachable = errors.New("memory: broker unreachable")
	// ErrNotConnected is returned before Connect or after Close
	ErrNotConnected = errors.New("memory: not connected")
	// ErrNotFound is returned for unknown exchanges and queues
	ErrNotFound = errors.New("memory: not found")
	// ErrPreconditionFailed is returned when redeclaring with other options
	ErrPreconditionFailed = errors.New("memory: precondition failed")
	// ErrUnroutable is returned for a mandatory message no queue receives
	ErrUnroutable = errors.New("memory: unroutable mandatory message")
	// ErrAlreadyAcknowledged is returned when settling a delivery twice
	ErrAlreadyAcknowledged = errors.New("memory: delivery already settled")
)

// Published records one accepted publish
type Published struct {
	Exchange   string
	RoutingKey string
	Publishing messaging.Publishing
}

type queue struct {
	options   messaging.QueueOptions
	consumers []*consumer
	next      int
	backlog   []*delivery
}

// Broker is an in-memory direct-exchange broker
type Broker struct {
	mu          sync.Mutex
	unreachable bool
	exchanges   map[string]messaging.ExchangeOptions
	queues      map[string]*queue
	bindings    map[string]map[string][]string // exchange -> key -> queues
	published   []Published
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]messaging.ExchangeOptions),
		queues:    make(map[string]*queue),
		bindings:  make(map[string]map[string][]string),
	}
}

// SetUnreachable makes later Connect calls fail
func (b *Broker) SetUnreachable(unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = unreachable
}

// Published returns every publish accepted so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// HasQueue reports whether queue is declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether exchange is declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(exchange, key, queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[exchange][key] {
		if q == queueName {
			return true
		}
	}
	return false
}

func (b *Broker) declare(spec messaging.TopologySpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ex := range spec.Exchanges {
		if ex.Kind != "" && ex.Kind != "direct" {
			return fmt.Errorf("%w: exchange kind %q", ErrPreconditionFailed, ex.Kind)
		}
		if existing, ok := b.exchanges[ex.Name]; ok && existing != ex {
			return fmt.Errorf("%w: exchange %s redeclared", ErrPreconditionFailed, ex.Name)
		}
		b.exchanges[ex.Name] = ex
	}

	for _, q := range spec.Queues {
		if existing, ok := b.queues[q.Name]; ok {
			if existing.options.Durable != q.Durable || existing.options.AutoDelete != q.AutoDelete {
				return fmt.Errorf("%w: queue %s redeclared", ErrPreconditionFailed, q.Name)
			}
			continue
		}
		b.queues[q.Name] = &queue{options: q}
	}

	for _, bind := range spec.Bindings {
		if _, ok := b.exchanges[bind.Exchange]; !ok {
			return fmt.Errorf("%w: exchange %s", ErrNotFound, bind.Exchange)
		}
		if _, ok := b.queues[bind.Queue]; !ok {
			return fmt.Errorf("%w: queue %s", ErrNotFound, bind.Queue)
		}
		if b.bindings[bind.Exchange] == nil {
			b.bindings[bind.Exchange] = make(map[string][]string)
		}
		if !contains(b.bindings[bind.Exchange][bind.RoutingKey], bind.Queue) {
			b.bindings[bind.Exchange][bind.RoutingKey] = append(b.bindings[bind.Exchange][bind.RoutingKey], bind.Queue)
		}
	}

	return nil
}

func (b *Broker) publish(exchange, key string, msg messaging.Publishing) error {
	b.mu.Lock()

	if _, ok := b.exchanges[exchange]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: exchange %s", ErrNotFound, exchange)
	}

	targets := b.bindings[exchange][key]
	if len(targets) == 0 && msg.Mandatory {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, exchange, key)
	}

	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Publishing: msg})

	var ready []func()
	for _, name := range targets {
		d := &delivery{broker: b, queue: name, exchange: exchange, routingKey: key, msg: msg}
		if c := b.pickLocked(name); c != nil {
			ready = append(ready, c.deliverFunc(d))
		} else {
			b.queues[name].backlog = append(b.queues[name].backlog, d)
		}
	}
	b.mu.Unlock()

	for _, deliver := range ready {
		deliver()
	}
	return nil
}

// pickLocked returns the next consumer of queue, round robin
func (b *Broker) pickLocked(name string) *consumer {
	q := b.queues[name]
	if q == nil || len(q.consumers) == 0 {
		return nil
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	return c
}

func (b *Broker) requeue(d *delivery) {
	b.mu.Lock()
	q := b.queues[d.queue]
	if q == nil {
		b.mu.Unlock()
		return
	}
	redelivery := &delivery{broker: b, queue: d.queue, exchange: d.exchange, routingKey: d.routingKey, msg: d.msg}
	c := b.pickLocked(d.queue)
	if c == nil {
		q.backlog = append(q.backlog, redelivery)
		b.mu.Unlock()
		return
	}
	deliver := c.deliverFunc(redelivery)
	b.mu.Unlock()
	deliver()
}

func (b *Broker) addConsumer(name string, c *consumer) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: queue %s", ErrNotFound, name)
	}
	q.consumers = append(q.consumers, c)
	ready := make([]func(), 0, len(q.backlog))
	for _, d := range q.backlog {
		ready = append(ready, c.deliverFunc(d))
	}
	q.backlog = nil
	b.mu.Unlock()

	for _, deliver := range ready {
		deliver()
	}
	return nil
}

// removeConsumer detaches c and applies auto-delete to its queue and to
// exchanges left without bindings.
func (b *Broker) removeConsumer(name string, c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return
	}
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 || !q.options.AutoDelete {
		return
	}

	delete(b.queues, name)
	for exchange, keys := range b.bindings {
		for key, queues := range keys {
			keys[key] = remove(queues, name)
			if len(keys[key]) == 0 {
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(b.bindings, exchange)
			if b.exchanges[exchange].AutoDelete {
				delete(b.exchanges, exchange)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
