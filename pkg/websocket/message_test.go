package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg, err := NewRequest("r1", ActionConversationGet, map[string]any{"id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRequest, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	var payload map[string]string
	require.NoError(t, decoded.ParsePayload(&payload))
	assert.Equal(t, "c1", payload["id"])
}

func TestNotificationHasNoID(t *testing.T) {
	msg, err := NewNotification(ActionResponseStream, map[string]any{"chunk": "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestDispatcherRoutesByAction(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc("a.b", func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, Reply{Success: true})
	})

	require.True(t, d.HasHandler("a.b"))
	require.False(t, d.HasHandler("a.c"))
	assert.Equal(t, []string{"a.b"}, d.Actions())

	req, err := NewRequest("r1", "a.b", nil)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
}

func TestDispatchUnknownActionIsErrorResponse(t *testing.T) {
	d := NewDispatcher()

	req, err := NewRequest("r1", "no.such", nil)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, MessageTypeError, resp.Type)

	var ep ErrorPayload
	require.NoError(t, resp.ParsePayload(&ep))
	assert.Equal(t, ErrorCodeUnknownAction, ep.Code)
}
