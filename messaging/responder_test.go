package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/svcbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func requestMessage(request *contracts.RequestInfo) *Message {
	return &Message{Envelope: contracts.Envelope{Request: request}, Type: "v1.users.get"}
}

func TestResponderRouting(t *testing.T) {
	t.Run("replies to the requester's exchange and key", func(t *testing.T) {
		r := newResponder(&mockPublisher{}, requestMessage(&contracts.RequestInfo{ID: "1", Reply: "v1.api", Key: "host-2"}), "host-1", DefaultRequestTimeout)

		assert.Equal(t, "v1.api", r.Exchange())
		assert.Equal(t, "host-2", r.RoutingKey())
		assert.Equal(t, "1", r.RequestID())
	})

	t.Run("falls back to the default exchange and empty key", func(t *testing.T) {
		r := newResponder(&mockPublisher{}, requestMessage(&contracts.RequestInfo{ID: "1"}), "host-1", DefaultRequestTimeout)

		assert.Equal(t, "v1", r.Exchange())
		assert.Equal(t, "", r.RoutingKey())
	})
}

func TestResponderReply(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000123)

	t.Run("publishes the reply envelope", func(t *testing.T) {
		pub := &mockPublisher{}
		var sent Publishing
		pub.On("Publish", ctx, "v1.api", "host-2", mock.AnythingOfType("messaging.Publishing")).
			Run(func(args mock.Arguments) { sent = args.Get(3).(Publishing) }).
			Return(nil).Once()

		r := newResponder(pub, requestMessage(&contracts.RequestInfo{ID: "abc", Reply: "v1.api", Key: "host-2"}), "host-1", 5*time.Second)
		r.now = func() time.Time { return now }

		require.NoError(t, r.Reply(ctx, map[string]string{"hello": "world"}))
		pub.AssertExpectations(t)

		assert.Equal(t, "v1.users.get.response", sent.Type)
		assert.Equal(t, "application/json", sent.ContentType)
		assert.Equal(t, 5*time.Second, sent.Expiration)
		assert.Equal(t, now, sent.Timestamp)
		assert.True(t, sent.Mandatory)
		assert.JSONEq(t, `{
			"request": {"id": "abc", "reply": "v1.api", "key": "host-2"},
			"reply": {"created": 1700000000123, "service_id": "host-1", "id": "abc"},
			"data": {"hello": "world"}
		}`, string(sent.Body))
	})

	t.Run("raw payloads are sent verbatim", func(t *testing.T) {
		pub := &mockPublisher{}
		var sent Publishing
		pub.On("Publish", ctx, "v1", "", mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(3).(Publishing) }).
			Return(nil)

		r := newResponder(pub, requestMessage(&contracts.RequestInfo{ID: "abc"}), "host-1", time.Second)
		require.NoError(t, r.Reply(ctx, json.RawMessage(`[1,2,3]`)))

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(sent.Body, &env))
		assert.Equal(t, `[1,2,3]`, string(env.Data))
	})

	t.Run("Error uses the default reason and code", func(t *testing.T) {
		pub := &mockPublisher{}
		var sent Publishing
		pub.On("Publish", ctx, "v1", "", mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(3).(Publishing) }).
			Return(nil)

		r := newResponder(pub, requestMessage(&contracts.RequestInfo{ID: "abc"}), "host-1", time.Second)
		require.NoError(t, r.Error(ctx, "", 0))

		var env contracts.Envelope
		require.NoError(t, json.Unmarshal(sent.Body, &env))
		failure, ok := env.Failure()
		require.True(t, ok)
		assert.Equal(t, &contracts.ErrorPayload{Error: "GENERIC_ERROR", Code: 1}, failure)
	})

	t.Run("publish errors are returned", func(t *testing.T) {
		boom := errors.New("boom")
		pub := &mockPublisher{}
		pub.On("Publish", ctx, "v1", "", mock.Anything).Return(boom)

		r := newResponder(pub, requestMessage(&contracts.RequestInfo{ID: "abc"}), "host-1", time.Second)
		assert.ErrorIs(t, r.Error(ctx, "NOT_FOUND", 404), boom)
	})

	t.Run("unencodable payload is rejected before publishing", func(t *testing.T) {
		pub := &mockPublisher{}
		r := newResponder(pub, requestMessage(&contracts.RequestInfo{ID: "abc"}), "host-1", time.Second)

		assert.Error(t, r.Reply(ctx, func() {}))
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
