package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// fakeAgent scripts the far side of the stdio pair.
type fakeAgent struct {
	t      *testing.T
	stdin  *io.PipeReader // what the client wrote
	stdout *io.PipeWriter // what the client reads
	lines  chan map[string]any
}

func newFakeAgent(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	agent := &fakeAgent{t: t, stdin: inR, stdout: outW, lines: make(chan map[string]any, 16)}
	go agent.readLines()

	c := NewClient(inW, outR, logger.Default())
	t.Cleanup(func() {
		c.Stop()
		_ = inR.Close()
		_ = outW.Close()
	})
	return c, agent
}

func (a *fakeAgent) readLines() {
	scanner := bufio.NewScanner(a.stdin)
	for scanner.Scan() {
		var msg map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			a.t.Errorf("agent received malformed line: %v", err)
			return
		}
		a.lines <- msg
	}
	close(a.lines)
}

func (a *fakeAgent) send(msg any) {
	raw, err := json.Marshal(msg)
	require.NoError(a.t, err)
	_, err = a.stdout.Write(append(raw, '\n'))
	require.NoError(a.t, err)
}

func TestCallRoundTrip(t *testing.T) {
	c, agent := newFakeAgent(t)
	c.Start(context.Background())

	go func() {
		req := <-agent.lines
		assert.Equal(t, MethodNewConversation, req["method"])
		_, hasJSONRPC := req["jsonrpc"]
		assert.False(t, hasJSONRPC, "codex framing omits the jsonrpc header")
		agent.send(map[string]any{
			"id":     req["id"],
			"result": map[string]any{"conversationId": "thread-1"},
		})
	}()

	var result NewConversationResult
	err := c.CallInto(context.Background(), MethodNewConversation,
		NewConversationParams{Cwd: "/tmp/ws"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", result.ConversationID)
}

func TestCallErrorResponse(t *testing.T) {
	c, agent := newFakeAgent(t)
	c.Start(context.Background())

	go func() {
		req := <-agent.lines
		agent.send(map[string]any{
			"id":    req["id"],
			"error": map[string]any{"code": CodeInvalidParams, "message": "bad cwd"},
		})
	}()

	_, err := c.Call(context.Background(), MethodNewConversation, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestNotificationDispatch(t *testing.T) {
	c, agent := newFakeAgent(t)

	events := make(chan EventParams, 1)
	c.OnNotification(func(method string, params json.RawMessage) {
		require.Equal(t, MethodEvent, method)
		var p EventParams
		require.NoError(t, json.Unmarshal(params, &p))
		events <- p
	})
	c.Start(context.Background())

	agent.send(map[string]any{
		"method": MethodEvent,
		"params": map[string]any{
			"id": "ev1",
			"msg": map[string]any{
				"type":    EventExecCommandBegin,
				"call_id": "call-7",
				"command": "go test ./...",
			},
		},
	})

	select {
	case p := <-events:
		assert.Equal(t, EventExecCommandBegin, p.Msg.Type)
		assert.Equal(t, "call-7", p.Msg.CallID)
		assert.Equal(t, "go test ./...", p.Msg.String("command"))
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestAgentRequestAnswered(t *testing.T) {
	c, agent := newFakeAgent(t)

	c.OnRequest(func(_ context.Context, method string, params json.RawMessage) (any, *Error) {
		require.Equal(t, MethodExecCommandApproval, method)
		var p ApprovalParams
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "call-9", p.CallID)
		return ApprovalResponse{Decision: DecisionApproved}, nil
	})
	c.Start(context.Background())

	agent.send(map[string]any{
		"id":     42,
		"method": MethodExecCommandApproval,
		"params": map[string]any{"conversationId": "thread-1", "callId": "call-9"},
	})

	select {
	case resp := <-agent.lines:
		assert.EqualValues(t, 42, resp["id"])
		result := resp["result"].(map[string]any)
		assert.Equal(t, DecisionApproved, result["decision"])
	case <-time.After(time.Second):
		t.Fatal("approval response never arrived")
	}
}

func TestUnhandledRequestGetsMethodNotFound(t *testing.T) {
	c, agent := newFakeAgent(t)
	c.Start(context.Background())

	agent.send(map[string]any{"id": 7, "method": "unknown/op"})

	select {
	case resp := <-agent.lines:
		rpcErr := resp["error"].(map[string]any)
		assert.EqualValues(t, CodeMethodNotFound, rpcErr["code"])
	case <-time.After(time.Second):
		t.Fatal("rejection never arrived")
	}
}

func TestCorruptFrameIsFatal(t *testing.T) {
	c, agent := newFakeAgent(t)

	var mu sync.Mutex
	var fatalErr error
	c.OnFatal(func(err error) {
		mu.Lock()
		fatalErr = err
		mu.Unlock()
	})
	c.Start(context.Background())

	_, err := agent.stdout.Write([]byte("{not json at all\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalErr != nil
	}, time.Second, 10*time.Millisecond)

	// Pending and future calls fail once the loop is down.
	_, err = c.Call(context.Background(), MethodInitialize, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAgentExitFailsPendingCall(t *testing.T) {
	c, agent := newFakeAgent(t)
	c.OnFatal(func(error) {})
	c.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodInitialize, nil)
		done <- err
	}()

	<-agent.lines // the request went out
	require.NoError(t, agent.stdout.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("call never failed")
	}
}

func TestEventMsgRoundTrip(t *testing.T) {
	msg := EventMsg{
		Type:   EventTurnDiff,
		CallID: "c1",
		Raw:    map[string]any{"unified_diff": "--- a\n+++ b\n"},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var back EventMsg
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, EventTurnDiff, back.Type)
	assert.Equal(t, "c1", back.CallID)
	assert.Equal(t, "--- a\n+++ b\n", back.String("unified_diff"))
}
