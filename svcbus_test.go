package svcbus

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/svcbus/config"
	"github.com/glimte/svcbus/contracts"
	"github.com/glimte/svcbus/messaging"
	"github.com/glimte/svcbus/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, broker *memory.Broker, instanceID string, opts ...ClientOption) *Client {
	t.Helper()

	opts = append([]ClientOption{
		WithTransport(memory.NewTransport(broker)),
		WithInstanceID(instanceID),
	}, opts...)

	client, err := NewClient(config.Default(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientRequestReply(t *testing.T) {
	broker := memory.NewBroker()
	ctx := context.Background()

	users := newTestClient(t, broker, "users-1")
	require.NoError(t, users.Connect(ctx, "users"))

	_, err := users.Wait("v1.users.get", func(ctx context.Context, msg *messaging.Message, r *messaging.Responder) error {
		var req map[string]string
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return r.Reply(ctx, map[string]string{"name": "user-" + req["id"]})
	})
	require.NoError(t, err)

	api := newTestClient(t, broker, "api-1")
	require.NoError(t, api.Connect(ctx, "api"))

	env, err := contracts.NewRequest(map[string]string{"id": "42"})
	require.NoError(t, err)

	reply, err := api.SendAndWait(ctx, "v1.users.get", env)
	require.NoError(t, err)
	assert.Equal(t, "v1.users.get.response", reply.Type)
	assert.Equal(t, "users-1", reply.Reply.ServiceID)

	var body map[string]string
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, "user-42", body["name"])
}

func TestClientConnectUsesConfiguredName(t *testing.T) {
	broker := memory.NewBroker()
	cfg := config.Default()
	cfg.Service.Name = "orders"

	client, err := NewClient(cfg, WithTransport(memory.NewTransport(broker)), WithInstanceID("orders-1"))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background(), ""))
	assert.True(t, broker.HasQueue("v1.orders"))
	assert.True(t, broker.HasQueue("v1.api--orders-1"))
	assert.Equal(t, "orders-1", client.InstanceID())
}

func TestClientNotConnected(t *testing.T) {
	client := newTestClient(t, memory.NewBroker(), "idle-1")

	_, err := client.Wait("v1.users.get", func(context.Context, *messaging.Message, *messaging.Responder) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)

	env, err := contracts.NewRequest(nil)
	require.NoError(t, err)
	_, err = client.SendAndWait(context.Background(), "v1.users.get", env)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientRequestTimeoutOption(t *testing.T) {
	broker := memory.NewBroker()
	ctx := context.Background()

	silent := newTestClient(t, broker, "silent-1")
	require.NoError(t, silent.Connect(ctx, "silent"))

	api := newTestClient(t, broker, "api-1", WithRequestTimeout(100*time.Millisecond))
	require.NoError(t, api.Connect(ctx, "api"))

	env, err := contracts.NewRequest(nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = api.SendAndWait(ctx, "v1.silent.ping", env)
	assert.ErrorIs(t, err, messaging.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Host = ""

	_, err := NewClient(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
