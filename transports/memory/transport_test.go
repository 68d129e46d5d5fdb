package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/svcbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() messaging.TopologySpec {
	return messaging.TopologySpec{
		Exchanges: []messaging.ExchangeOptions{{Name: "v1", Kind: "direct", AutoDelete: true}},
		Queues:    []messaging.QueueOptions{{Name: "v1.users", AutoDelete: true}},
		Bindings:  []messaging.QueueBinding{{Queue: "v1.users", Exchange: "v1", RoutingKey: "v1.users"}},
	}
}

func connected(t *testing.T, broker *Broker) *Transport {
	t.Helper()
	tr := NewTransport(broker)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportLifecycle(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := NewTransport(broker)

	assert.ErrorIs(t, tr.DeclareTopology(ctx, testSpec()), ErrNotConnected)
	assert.ErrorIs(t, tr.Publish(ctx, "v1", "v1.users", messaging.Publishing{}), ErrNotConnected)

	require.NoError(t, tr.Connect(ctx))
	assert.True(t, tr.IsConnected())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Connect(ctx), ErrNotConnected)
}

func TestDeclareTopology(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := connected(t, broker)

	require.NoError(t, tr.DeclareTopology(ctx, testSpec()))
	require.NoError(t, tr.DeclareTopology(ctx, testSpec()), "redeclaring identical entities is allowed")

	assert.True(t, broker.HasExchange("v1"))
	assert.True(t, broker.Bound("v1", "v1.users", "v1.users"))

	err := tr.DeclareTopology(ctx, messaging.TopologySpec{
		Exchanges: []messaging.ExchangeOptions{{Name: "v1", Kind: "direct", Durable: true}},
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	err = tr.DeclareTopology(ctx, messaging.TopologySpec{
		Bindings: []messaging.QueueBinding{{Queue: "missing", Exchange: "v1"}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishRouting(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := connected(t, broker)
	require.NoError(t, tr.DeclareTopology(ctx, testSpec()))

	t.Run("unknown exchange", func(t *testing.T) {
		assert.ErrorIs(t, tr.Publish(ctx, "nope", "k", messaging.Publishing{}), ErrNotFound)
	})

	t.Run("unroutable mandatory message", func(t *testing.T) {
		assert.ErrorIs(t, tr.Publish(ctx, "v1", "v1.orders", messaging.Publishing{Mandatory: true}), ErrUnroutable)
	})

	t.Run("unroutable optional message is discarded", func(t *testing.T) {
		assert.NoError(t, tr.Publish(ctx, "v1", "v1.orders", messaging.Publishing{}))
	})

	t.Run("backlog is delivered once a consumer arrives", func(t *testing.T) {
		require.NoError(t, tr.Publish(ctx, "v1", "v1.users", messaging.Publishing{Type: "v1.users.get", Body: []byte(`{}`)}))

		got := make(chan messaging.Delivery, 1)
		require.NoError(t, tr.Consume(ctx, "v1.users", 0, func(_ context.Context, d messaging.Delivery) {
			assert.NoError(t, d.Acknowledge())
			assert.ErrorIs(t, d.Acknowledge(), ErrAlreadyAcknowledged)
			got <- d
		}))

		select {
		case d := <-got:
			assert.Equal(t, "v1.users.get", d.Type())
			assert.Equal(t, "v1", d.Exchange())
			assert.Equal(t, "v1.users", d.RoutingKey())
		case <-time.After(time.Second):
			t.Fatal("backlog not delivered")
		}
	})
}

func TestConsumePrefetch(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := connected(t, broker)
	require.NoError(t, tr.DeclareTopology(ctx, testSpec()))

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	done := make(chan struct{}, 5)

	require.NoError(t, tr.Consume(ctx, "v1.users", 2, func(_ context.Context, d messaging.Delivery) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		_ = d.Acknowledge()
		done <- struct{}{}
	}))
	assert.Error(t, tr.Consume(ctx, "v1.users", 2, func(context.Context, messaging.Delivery) {}))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Publish(ctx, "v1", "v1.users", messaging.Publishing{Body: []byte(`{}`)}))
	}

	assert.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestRejectRequeue(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := connected(t, broker)
	require.NoError(t, tr.DeclareTopology(ctx, testSpec()))

	var attempts atomic.Int32
	acked := make(chan struct{})
	require.NoError(t, tr.Consume(ctx, "v1.users", 1, func(_ context.Context, d messaging.Delivery) {
		if attempts.Add(1) == 1 {
			_ = d.Reject(true)
			return
		}
		_ = d.Acknowledge()
		close(acked)
	}))

	require.NoError(t, tr.Publish(ctx, "v1", "v1.users", messaging.Publishing{Body: []byte(`{}`)}))

	select {
	case <-acked:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestCloseAutoDeletes(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	tr := NewTransport(broker)
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.DeclareTopology(ctx, testSpec()))
	require.NoError(t, tr.Consume(ctx, "v1.users", 0, func(context.Context, messaging.Delivery) {}))

	require.NoError(t, tr.Close())

	assert.False(t, broker.HasQueue("v1.users"))
	assert.False(t, broker.HasExchange("v1"))
}
