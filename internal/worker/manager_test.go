package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
)

// fakeWorker records lifecycle calls.
type fakeWorker struct {
	workspace string
	stopped   atomic.Bool
	closed    atomic.Bool
}

func (w *fakeWorker) Type() Type { return TypeIntegrated }

func (w *fakeWorker) Workspace() string { return w.workspace }

func (w *fakeWorker) Status() Status { return StatusIdle }

func (w *fakeWorker) SendMessage(context.Context, SendRequest) error { return nil }

func (w *fakeWorker) ConfirmMessage(context.Context, ConfirmRequest) error { return nil }

func (w *fakeWorker) Stop() { w.stopped.Store(true) }

func (w *fakeWorker) ReloadContext(context.Context) error { return nil }

func (w *fakeWorker) Close() error { w.closed.Store(true); return nil }

type fakeConversationSource struct {
	mu    sync.Mutex
	convs map[string]*storage.Conversation
}

func (s *fakeConversationSource) GetConversation(_ context.Context, id string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.NotFoundf("conversation %s", id)
	}
	return c, nil
}

type fakeLegacySource struct {
	mu        sync.Mutex
	convs     map[string]*storage.Conversation
	backfills int
}

func (s *fakeLegacySource) Backfill(_ context.Context, id string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.NotFoundf("legacy conversation %s", id)
	}
	s.backfills++
	return c, nil
}

func newTestManager(store *fakeConversationSource, legacy *fakeLegacySource) (*Manager, *atomic.Int32) {
	var builds atomic.Int32
	factory := func(_ context.Context, conv *storage.Conversation) (Worker, error) {
		builds.Add(1)
		return &fakeWorker{workspace: conv.Extra.Workspace}, nil
	}
	var legacyIface LegacySource
	if legacy != nil {
		legacyIface = legacy
	}
	return NewManager(store, legacyIface, factory, nil, logger.Default()), &builds
}

func conv(id string) *storage.Conversation {
	return &storage.Conversation{
		ID:    id,
		Type:  storage.ConversationTypeIntegrated,
		Extra: storage.ConversationExtra{Workspace: "/tmp/ws-" + id},
	}
}

func TestBuildConversationIdempotent(t *testing.T) {
	m, builds := newTestManager(&fakeConversationSource{}, nil)
	ctx := context.Background()

	w1, err := m.BuildConversation(ctx, conv("c1"))
	require.NoError(t, err)
	w2, err := m.BuildConversation(ctx, conv("c1"))
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Equal(t, int32(1), builds.Load())
}

func TestKillUnregistersAndCloses(t *testing.T) {
	m, _ := newTestManager(&fakeConversationSource{}, nil)
	ctx := context.Background()

	w, err := m.BuildConversation(ctx, conv("c1"))
	require.NoError(t, err)
	m.Kill(ctx, "c1")

	fw := w.(*fakeWorker)
	assert.True(t, fw.stopped.Load())
	assert.True(t, fw.closed.Load())
	assert.Nil(t, m.GetTaskByID("c1"))
}

func TestKillUnknownIDIsNoop(t *testing.T) {
	m, _ := newTestManager(&fakeConversationSource{}, nil)
	m.Kill(context.Background(), "ghost")
}

func TestRollbackBuildFromSQL(t *testing.T) {
	store := &fakeConversationSource{convs: map[string]*storage.Conversation{
		"c1": conv("c1"),
	}}
	m, builds := newTestManager(store, nil)

	w, err := m.GetTaskByIDRollbackBuild(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "/tmp/ws-c1", w.Workspace())
	assert.Equal(t, int32(1), builds.Load())

	// Second lookup hits the registry, not the store.
	w2, err := m.GetTaskByIDRollbackBuild(context.Background(), "c1")
	require.NoError(t, err)
	assert.Same(t, w, w2)
	assert.Equal(t, int32(1), builds.Load())
}

func TestRollbackBuildFallsBackToLegacy(t *testing.T) {
	legacy := &fakeLegacySource{convs: map[string]*storage.Conversation{
		"old1": conv("old1"),
	}}
	m, _ := newTestManager(&fakeConversationSource{}, legacy)

	w, err := m.GetTaskByIDRollbackBuild(context.Background(), "old1")
	require.NoError(t, err)
	require.NotNil(t, w)

	legacy.mu.Lock()
	assert.Equal(t, 1, legacy.backfills)
	legacy.mu.Unlock()
}

func TestRollbackBuildUnknownConversation(t *testing.T) {
	m, _ := newTestManager(&fakeConversationSource{}, &fakeLegacySource{})

	w, err := m.GetTaskByIDRollbackBuild(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestClearKillsEverything(t *testing.T) {
	m, _ := newTestManager(&fakeConversationSource{}, nil)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := m.BuildConversation(ctx, conv(id))
		require.NoError(t, err)
	}
	m.Clear(ctx)

	for _, id := range []string{"c1", "c2", "c3"} {
		assert.Nil(t, m.GetTaskByID(id))
	}
}

func TestConcurrentBuildSingleWorker(t *testing.T) {
	m, builds := newTestManager(&fakeConversationSource{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.BuildConversation(ctx, conv("c1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
}

func TestModelChanged(t *testing.T) {
	a := json.RawMessage(`{"provider":"openai","model":"gpt-5","temperature":0.2}`)
	// Same structure, different key order and spacing.
	b := json.RawMessage(`{ "temperature": 0.2, "model": "gpt-5", "provider": "openai" }`)
	c := json.RawMessage(`{"provider":"openai","model":"gpt-5-mini","temperature":0.2}`)

	assert.False(t, ModelChanged(a, b))
	assert.True(t, ModelChanged(a, c))
	assert.False(t, ModelChanged(nil, nil))
	assert.True(t, ModelChanged(nil, a))
}

func TestModelChangeKillsWorker(t *testing.T) {
	m, builds := newTestManager(&fakeConversationSource{}, nil)
	ctx := context.Background()

	c := conv("c1")
	c.Model = json.RawMessage(`{"model":"gpt-5"}`)
	_, err := m.BuildConversation(ctx, c)
	require.NoError(t, err)

	next := json.RawMessage(`{"model":"gpt-5-mini"}`)
	if ModelChanged(c.Model, next) {
		m.Kill(ctx, c.ID)
	}
	assert.Nil(t, m.GetTaskByID("c1"))

	// The next build constructs a fresh worker with the new config.
	c.Model = next
	_, err = m.BuildConversation(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
}
