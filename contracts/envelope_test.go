package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFormat(t *testing.T) {
	t.Run("request decodes null reply and key", func(t *testing.T) {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(`{"request":{"id":"abc","reply":null,"key":null},"data":{"q":1}}`), &env))

		require.NotNil(t, env.Request)
		assert.Equal(t, "abc", env.Request.ID)
		assert.Empty(t, env.Request.Reply)
		assert.Empty(t, env.Request.Key)
		assert.False(t, env.IsReply())
		assert.JSONEq(t, `{"q":1}`, string(env.Data))
	})

	t.Run("reply uses snake case service_id", func(t *testing.T) {
		now := time.UnixMilli(1700000000123)
		env, err := NewReply(&RequestInfo{ID: "abc", Reply: "v1.api", Key: "host-2"}, "host-1", map[string]string{"hello": "world"}, now)
		require.NoError(t, err)

		body, err := json.Marshal(env)
		require.NoError(t, err)

		assert.JSONEq(t, `{
			"request": {"id": "abc", "reply": "v1.api", "key": "host-2"},
			"reply": {"created": 1700000000123, "service_id": "host-1", "id": "abc"},
			"data": {"hello": "world"}
		}`, string(body))
		assert.Equal(t, now, env.Reply.CreatedAt())
	})

	t.Run("reply does not alias the request block", func(t *testing.T) {
		req := &RequestInfo{ID: "abc"}
		env, err := NewReply(req, "host-1", nil, time.Now())
		require.NoError(t, err)

		env.Request.ID = "changed"
		assert.Equal(t, "abc", req.ID)
		assert.Nil(t, env.Data)
	})
}

func TestNewRequest(t *testing.T) {
	a, err := NewRequest(map[string]int{"n": 1})
	require.NoError(t, err)
	b, err := NewRequest(nil)
	require.NoError(t, err)

	assert.NotEmpty(t, a.Request.ID)
	assert.NotEqual(t, a.Request.ID, b.Request.ID)
	assert.JSONEq(t, `{"n":1}`, string(a.Data))
	assert.Nil(t, b.Data)
}

func TestEncodeData(t *testing.T) {
	raw, err := EncodeData(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	raw, err = EncodeData([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(raw))

	_, err = EncodeData([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = EncodeData(make(chan int))
	assert.Error(t, err)
}

func TestEnvelopeDecodeData(t *testing.T) {
	env := &Envelope{Data: json.RawMessage(`{"name":"a"}`)}

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, env.DecodeData(&out))
	assert.Equal(t, "a", out.Name)

	assert.ErrorIs(t, (&Envelope{}).DecodeData(&out), ErrNoData)
}

func TestEnvelopeFailure(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *ErrorPayload
		failure bool
	}{
		{"success payload", `{"name":"a"}`, nil, false},
		{"no data", ``, nil, false},
		{"null error", `{"error":null}`, nil, false},
		{"array payload", `[1,2,3]`, nil, false},
		{"error reply", `{"error":"NOT_FOUND","code":404}`, &ErrorPayload{Error: "NOT_FOUND", Code: 404}, true},
		{"non-string error", `{"error":{"detail":"x"},"code":2}`, &ErrorPayload{Error: `{"detail":"x"}`, Code: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{}
			if tt.data != "" {
				env.Data = json.RawMessage(tt.data)
			}

			got, ok := env.Failure()
			assert.Equal(t, tt.failure, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewErrorPayload(t *testing.T) {
	assert.Equal(t, ErrorPayload{Error: "GENERIC_ERROR", Code: 1}, NewErrorPayload("", 0))
	assert.Equal(t, ErrorPayload{Error: "NOT_FOUND", Code: 404}, NewErrorPayload("NOT_FOUND", 404))
	assert.Equal(t, "NOT_FOUND (code 404)", NewErrorPayload("NOT_FOUND", 404).String())
}
