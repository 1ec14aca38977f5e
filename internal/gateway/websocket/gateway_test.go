package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

func newTestGateway(t *testing.T) (*Gateway, *gorillaws.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := NewGateway(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Hub.Run(ctx)

	router := gin.New()
	g.SetupRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return g, conn
}

func readMessage(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg ws.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func TestRequestResponseRoundTrip(t *testing.T) {
	g, conn := newTestGateway(t)
	g.Dispatcher.RegisterFunc("echo", func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload map[string]any
		require.NoError(t, msg.ParsePayload(&payload))
		return ws.NewResponse(msg.ID, msg.Action, payload)
	})

	req, err := ws.NewRequest("r1", "echo", map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	resp := readMessage(t, conn)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload map[string]any
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "world", payload["hello"])
}

func TestUnknownActionReturnsErrorFrame(t *testing.T) {
	_, conn := newTestGateway(t)

	req, err := ws.NewRequest("r1", "no.such.action", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var ep ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&ep))
	assert.Equal(t, ws.ErrorCodeUnknownAction, ep.Code)
}

func TestMalformedFrameYieldsBadRequest(t *testing.T) {
	_, conn := newTestGateway(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var ep ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&ep))
	assert.Equal(t, ws.ErrorCodeBadRequest, ep.Code)
}

func TestBroadcastReachesConnectedClients(t *testing.T) {
	g, conn := newTestGateway(t)

	require.Eventually(t, func() bool {
		return g.Hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	note, err := ws.NewNotification(ws.ActionResponseStream, map[string]any{"chunk": "hi"})
	require.NoError(t, err)
	g.Hub.Broadcast(note)

	got := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeNotification, got.Type)
	assert.Equal(t, ws.ActionResponseStream, got.Action)
}

func TestHandlerErrorBecomesInternalErrorFrame(t *testing.T) {
	g, conn := newTestGateway(t)
	g.Dispatcher.RegisterFunc("boom", func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return nil, assert.AnError
	})

	req, err := ws.NewRequest("r1", "boom", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	resp := readMessage(t, conn)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var ep ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&ep))
	assert.Equal(t, ws.ErrorCodeInternalError, ep.Code)
}
