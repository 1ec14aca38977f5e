package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/mcp"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/worker"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

// fakeWorker records calls; error fields make individual operations fail.
type fakeWorker struct {
	workspace string

	mu        sync.Mutex
	sent      []worker.SendRequest
	confirmed []worker.ConfirmRequest
	stopped   bool
	closed    bool

	sendErr    error
	confirmErr error
	reloadErr  error
}

func (f *fakeWorker) Type() worker.Type     { return worker.TypeIntegrated }
func (f *fakeWorker) Workspace() string     { return f.workspace }
func (f *fakeWorker) Status() worker.Status { return worker.StatusIdle }

func (f *fakeWorker) SendMessage(_ context.Context, req worker.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeWorker) ConfirmMessage(_ context.Context, req worker.ConfirmRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, req)
	return nil
}

func (f *fakeWorker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeWorker) ReloadContext(context.Context) error { return f.reloadErr }

func (f *fakeWorker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeHub collects broadcast notifications.
type fakeHub struct {
	mu   sync.Mutex
	sent []*ws.Message
}

func (h *fakeHub) Broadcast(msg *ws.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
}

func (h *fakeHub) messages() []*ws.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ws.Message(nil), h.sent...)
}

type nullTester struct{}

func (nullTester) TestConnection(context.Context, mcp.Server) mcp.TestResult {
	return mcp.TestResult{Success: true}
}

type testEnv struct {
	bridge     *Bridge
	dispatcher *ws.Dispatcher
	repo       *storage.Repository
	manager    *worker.Manager
	bus        bus.EventBus
	hub        *fakeHub
	worker     *fakeWorker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := sqlx.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	log := logger.Default()
	repo, err := storage.New(context.Background(), db.NewPool(conn, conn), log)
	require.NoError(t, err)

	fw := &fakeWorker{}
	factory := func(ctx context.Context, conv *storage.Conversation) (worker.Worker, error) {
		fw.workspace = conv.Extra.Workspace
		return fw, nil
	}
	manager := worker.NewManager(repo, nil, factory, nil, log)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := &fakeHub{}
	cfg := &config.Config{Database: config.DatabaseConfig{DataDir: t.TempDir(), CacheDir: t.TempDir()}}
	mux := mcp.NewMultiplexer(nullTester{}, log)

	b := New(cfg, repo, nil, manager, mux, eventBus, hub, log)
	d := ws.NewDispatcher()
	b.RegisterHandlers(d)
	t.Cleanup(b.Close)

	return &testEnv{
		bridge:     b,
		dispatcher: d,
		repo:       repo,
		manager:    manager,
		bus:        eventBus,
		hub:        hub,
		worker:     fw,
	}
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
}

func (e *testEnv) dispatch(t *testing.T, action string, payload any) reply {
	t.Helper()
	req, err := ws.NewRequest(uuid.New().String(), action, payload)
	require.NoError(t, err)
	resp, err := e.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.Equal(t, req.ID, resp.ID)

	var rep reply
	require.NoError(t, json.Unmarshal(resp.Payload, &rep))
	return rep
}

func (e *testEnv) seedConversation(t *testing.T, id string) *storage.Conversation {
	t.Helper()
	conv := &storage.Conversation{
		ID:    id,
		Name:  "conv " + id,
		Type:  storage.ConversationTypeIntegrated,
		Extra: storage.ConversationExtra{Workspace: "/tmp/ws-" + id, Rules: "be terse"},
		Model: json.RawMessage(`{"id":"model-a"}`),
	}
	require.NoError(t, e.repo.CreateConversation(context.Background(), conv))
	return conv
}

func TestCreateAndGetConversation(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionConversationCreate, map[string]any{
		"name":  "demo",
		"type":  "integrated",
		"extra": map[string]any{"workspace": "/tmp/demo"},
	})
	require.True(t, rep.Success, rep.Msg)

	var created storage.Conversation
	require.NoError(t, json.Unmarshal(rep.Data, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "demo", created.Name)

	got := env.dispatch(t, ws.ActionConversationGet, map[string]any{"id": created.ID})
	require.True(t, got.Success, got.Msg)
}

func TestGetMissingConversationFails(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionConversationGet, map[string]any{"id": "nope"})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "nope")
}

func TestCreateWithConversationMigratesAndDeletesSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedConversation(t, "old")
	for i := 0; i < 3; i++ {
		require.NoError(t, env.repo.InsertMessage(ctx, &storage.Message{
			ConversationID: "old",
			Type:           storage.MessageTypeText,
			Content:        storage.EncodeText("hello"),
		}))
	}

	rep := env.dispatch(t, ws.ActionConversationCreateWith, map[string]any{
		"name":                 "fresh",
		"type":                 "acp",
		"sourceConversationId": "old",
	})
	require.True(t, rep.Success, rep.Msg)
	assert.Empty(t, rep.Msg)

	var created storage.Conversation
	require.NoError(t, json.Unmarshal(rep.Data, &created))

	moved, err := env.repo.CountConversationMessages(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	_, err = env.repo.GetConversation(ctx, "old")
	assert.True(t, errs.IsNotFound(err), "source is deleted after a clean migration")
}

func TestUpdateMergesExtraAndKillsOnModelChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.seedConversation(t, "c1")

	_, err := env.manager.BuildConversation(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, env.manager.GetTaskByID("c1"))

	rep := env.dispatch(t, ws.ActionConversationUpdate, map[string]any{
		"id":    "c1",
		"extra": map[string]any{"context": "repo docs"},
		"model": json.RawMessage(`{"id":"model-b"}`),
	})
	require.True(t, rep.Success, rep.Msg)

	var updated storage.Conversation
	require.NoError(t, json.Unmarshal(rep.Data, &updated))
	assert.Equal(t, "repo docs", updated.Extra.Context)
	assert.Equal(t, "be terse", updated.Extra.Rules, "unset fields keep their stored value")
	assert.Equal(t, "/tmp/ws-c1", updated.Extra.Workspace)

	assert.Nil(t, env.manager.GetTaskByID("c1"), "model change kills the worker")
}

func TestUpdateWithSameModelKeepsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.seedConversation(t, "c1")

	_, err := env.manager.BuildConversation(ctx, conv)
	require.NoError(t, err)

	rep := env.dispatch(t, ws.ActionConversationUpdate, map[string]any{
		"id":    "c1",
		"model": json.RawMessage(`{ "id" : "model-a" }`),
	})
	require.True(t, rep.Success, rep.Msg)
	assert.NotNil(t, env.manager.GetTaskByID("c1"), "structurally equal model is not a change")
}

func TestSendMessageRebuildsWorkerFromStorage(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")

	rep := env.dispatch(t, ws.ActionConversationSendMessage, map[string]any{
		"id":     "c1",
		"input":  "list the files",
		"msg_id": "m1",
	})
	require.True(t, rep.Success, rep.Msg)

	require.Len(t, env.worker.sent, 1)
	assert.Equal(t, "list the files", env.worker.sent[0].Input)
	assert.Equal(t, "m1", env.worker.sent[0].MsgID)
}

func TestSendMessageToUnknownConversationFails(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionConversationSendMessage, map[string]any{
		"id": "ghost", "input": "hi",
	})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "not found")
}

func TestSendMessageBusyIsReportedNotQueued(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")
	env.worker.sendErr = errs.ErrBusy

	rep := env.dispatch(t, ws.ActionConversationSendMessage, map[string]any{
		"id": "c1", "input": "hi", "msg_id": "m1",
	})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "busy")
}

func TestConfirmMessageWithoutWorkerFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")

	rep := env.dispatch(t, ws.ActionConversationConfirmMessage, map[string]any{
		"id": "c1", "confirmKey": "allow", "callId": "tc1",
	})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "no running agent")
}

func TestConfirmMessageReachesWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.seedConversation(t, "c1")
	_, err := env.manager.BuildConversation(ctx, conv)
	require.NoError(t, err)

	rep := env.dispatch(t, ws.ActionConversationConfirmMessage, map[string]any{
		"id": "c1", "confirmKey": "allow", "msg_id": "m1", "callId": "tc1",
	})
	require.True(t, rep.Success, rep.Msg)

	require.Len(t, env.worker.confirmed, 1)
	assert.Equal(t, "allow", env.worker.confirmed[0].ConfirmKey)
	assert.Equal(t, "tc1", env.worker.confirmed[0].CallID)
}

func TestStopWithoutWorkerSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")

	rep := env.dispatch(t, ws.ActionConversationStop, map[string]any{"id": "c1"})
	assert.True(t, rep.Success)
	assert.False(t, env.worker.stopped)
}

func TestResetKillsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.seedConversation(t, "c1")
	_, err := env.manager.BuildConversation(ctx, conv)
	require.NoError(t, err)

	rep := env.dispatch(t, ws.ActionConversationReset, map[string]any{"id": "c1"})
	require.True(t, rep.Success)
	assert.Nil(t, env.manager.GetTaskByID("c1"))
	assert.True(t, env.worker.closed)
}

func TestRemoveDeletesConversationAndWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.seedConversation(t, "c1")
	_, err := env.manager.BuildConversation(ctx, conv)
	require.NoError(t, err)

	rep := env.dispatch(t, ws.ActionConversationRemove, map[string]any{"id": "c1"})
	require.True(t, rep.Success, rep.Msg)

	assert.Nil(t, env.manager.GetTaskByID("c1"))
	_, err = env.repo.GetConversation(ctx, "c1")
	assert.True(t, errs.IsNotFound(err))
}

func TestGetAssociateConversationByWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")

	rep := env.dispatch(t, ws.ActionConversationGetAssociate, map[string]any{
		"workspace": "/tmp/ws-c1",
	})
	require.True(t, rep.Success, rep.Msg)

	var conv storage.Conversation
	require.NoError(t, json.Unmarshal(rep.Data, &conv))
	assert.Equal(t, "c1", conv.ID)

	empty := env.dispatch(t, ws.ActionConversationGetAssociate, map[string]any{
		"workspace": "/tmp/elsewhere",
	})
	assert.True(t, empty.Success, "no associate is an empty result, not an error")
	assert.Empty(t, empty.Data)
}

func TestReloadContextUnsupportedAgent(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")
	env.worker.reloadErr = errs.ErrUnsupported

	rep := env.dispatch(t, ws.ActionConversationReloadContext, map[string]any{"id": "c1"})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "not supported")
}

func TestGetConversationMessagesPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedConversation(t, "c1")
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, env.repo.InsertMessage(ctx, &storage.Message{
			ConversationID: "c1",
			Type:           storage.MessageTypeText,
			Content:        storage.EncodeText("hello"),
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	rep := env.dispatch(t, ws.ActionDatabaseGetConversationMessages, map[string]any{
		"conversationId": "c1", "page": 1, "pageSize": 3,
	})
	require.True(t, rep.Success, rep.Msg)

	var page storage.Page[*storage.Message]
	require.NoError(t, json.Unmarshal(rep.Data, &page))
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Data, 3)
	assert.True(t, page.HasMore)
}

func TestGetUserConversationsDefaultsToSystemUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedConversation(t, "c1")
	env.seedConversation(t, "c2")

	rep := env.dispatch(t, ws.ActionDatabaseGetUserConversations, map[string]any{
		"page": 1, "pageSize": 10,
	})
	require.True(t, rep.Success, rep.Msg)

	var page storage.Page[*storage.Conversation]
	require.NoError(t, json.Unmarshal(rep.Data, &page))
	assert.Equal(t, 2, page.Total)
}

func TestSystemInfo(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionSystemInfo, nil)
	require.True(t, rep.Success)

	var info config.SystemInfo
	require.NoError(t, json.Unmarshal(rep.Data, &info))
	assert.NotEmpty(t, info.Platform)
	assert.NotEmpty(t, info.Arch)
}

func TestUpdateSystemInfoRejectsMissingDir(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionSystemUpdateInfo, map[string]any{
		"workDir": "/definitely/not/a/dir",
	})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "does not exist")
}

func TestMcpTestConnectionRequiresName(t *testing.T) {
	env := newTestEnv(t)

	rep := env.dispatch(t, ws.ActionMcpTestConnection, map[string]any{
		"server": map[string]any{"transport": "stdio"},
	})
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Msg, "name")
}

func TestStreamEventsForwardToGateway(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.bridge.Start())

	ev, err := bus.NewEvent("content", "c1", "m1", map[string]any{"content": "hi"})
	require.NoError(t, err)
	require.NoError(t, env.bus.Publish(context.Background(), bus.ConversationSubject("c1"), ev))

	require.Eventually(t, func() bool {
		return len(env.hub.messages()) > 0
	}, time.Second, 10*time.Millisecond)

	msg := env.hub.messages()[0]
	assert.Equal(t, ws.ActionResponseStream, msg.Action)
	assert.Equal(t, ws.MessageTypeNotification, msg.Type)

	var forwarded bus.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &forwarded))
	assert.Equal(t, "content", forwarded.Type)
	assert.Equal(t, "c1", forwarded.ConversationID)
}

func TestWorkspaceSearchStreamsResults(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.bridge.Start())

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("# hi"), 0o644))

	rep := env.dispatch(t, ws.ActionConversationGetWorkspace, map[string]any{
		"path": root, "keyword": "main",
	})
	require.True(t, rep.Success, rep.Msg)

	require.Eventually(t, func() bool {
		for _, msg := range env.hub.messages() {
			if msg.Action == ws.ActionResponseSearchWorkSpace {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	var found *ws.Message
	for _, msg := range env.hub.messages() {
		if msg.Action == ws.ActionResponseSearchWorkSpace {
			found = msg
		}
	}
	require.NotNil(t, found)

	var ev bus.Event
	require.NoError(t, json.Unmarshal(found.Payload, &ev))
	var result SearchResult
	require.NoError(t, json.Unmarshal(ev.Data, &result))
	assert.Equal(t, []string{"main.go"}, result.Files)
	assert.False(t, result.Truncated)
}

func TestUnknownActionYieldsErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)

	req, err := ws.NewRequest("r1", "conversation.timeTravel", nil)
	require.NoError(t, err)
	resp, err := env.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ws.MessageTypeError, resp.Type)

	var ep ws.ErrorPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, ws.ErrorCodeUnknownAction, ep.Code)
}
