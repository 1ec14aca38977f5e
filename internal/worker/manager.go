package worker

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/stream"
)

// ConversationSource loads conversation records for lazy worker construction.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*storage.Conversation, error)
}

// LegacySource recovers conversations that only exist in pre-SQLite JSON
// state. Implemented by storage.BackfillSource.
type LegacySource interface {
	Backfill(ctx context.Context, conversationID string) (*storage.Conversation, error)
}

// Factory constructs the worker variant a conversation's type calls for.
type Factory func(ctx context.Context, conv *storage.Conversation) (Worker, error)

// Manager owns the conversationID → Worker registry. Workers are built
// lazily on first use and torn down explicitly; a model change kills the
// worker so the next send rebuilds it with the new config.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]Worker
	locks   map[string]*sync.Mutex

	store   ConversationSource
	legacy  LegacySource
	factory Factory
	buffer  *stream.Buffer
	logger  *logger.Logger
}

// NewManager creates a worker registry. legacy may be nil when no JSON-era
// state exists.
func NewManager(store ConversationSource, legacy LegacySource, factory Factory, buffer *stream.Buffer, log *logger.Logger) *Manager {
	return &Manager{
		workers: make(map[string]Worker),
		locks:   make(map[string]*sync.Mutex),
		store:   store,
		legacy:  legacy,
		factory: factory,
		buffer:  buffer,
		logger:  log.WithFields(zap.String("component", "worker_manager")),
	}
}

// lockFor returns the per-conversation build/teardown lock, creating it on
// first use. Serializing per id keeps concurrent builds of the same
// conversation from racing while leaving distinct conversations parallel.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// BuildConversation constructs and registers a worker for the conversation.
// Idempotent: an already registered worker is returned as-is.
func (m *Manager) BuildConversation(ctx context.Context, conv *storage.Conversation) (Worker, error) {
	l := m.lockFor(conv.ID)
	l.Lock()
	defer l.Unlock()

	if w := m.GetTaskByID(conv.ID); w != nil {
		return w, nil
	}

	w, err := m.factory(ctx, conv)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.workers[conv.ID] = w
	m.mu.Unlock()

	m.logger.Info("built conversation worker",
		zap.String("conversation_id", conv.ID),
		zap.String("type", string(conv.Type)),
		zap.String("workspace", w.Workspace()))
	return w, nil
}

// GetTaskByID returns the registered worker for a conversation, or nil.
func (m *Manager) GetTaskByID(id string) Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[id]
}

// GetTaskByIDRollbackBuild returns the registered worker, or rebuilds one
// from the conversation record: SQL first, then legacy JSON with a backfill.
// Returns (nil, nil) when the conversation exists nowhere.
func (m *Manager) GetTaskByIDRollbackBuild(ctx context.Context, id string) (Worker, error) {
	if w := m.GetTaskByID(id); w != nil {
		return w, nil
	}

	conv, err := m.store.GetConversation(ctx, id)
	if errs.IsNotFound(err) && m.legacy != nil {
		conv, err = m.legacy.Backfill(ctx, id)
	}
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.BuildConversation(ctx, conv)
}

// Kill stops, closes, and unregisters a conversation's worker. Pending
// streams are flushed so chunks already emitted stay persisted. Unknown ids
// are a no-op.
func (m *Manager) Kill(ctx context.Context, id string) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.Stop()
	if m.buffer != nil {
		m.buffer.FinalizeConversation(ctx, id)
	}
	if err := w.Close(); err != nil {
		m.logger.Warn("failed to close worker",
			zap.String("conversation_id", id), zap.Error(err))
	}
	m.logger.Info("killed conversation worker", zap.String("conversation_id", id))
}

// Clear kills every registered worker. Called on shutdown.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Kill(ctx, id)
	}
}

// ModelChanged reports whether two serialized model blobs differ. Comparison
// is structural, so key order and whitespace never count as a change. A
// conversation whose model changed gets its worker killed; the next send
// rebuilds with the new config.
func ModelChanged(before, after json.RawMessage) bool {
	var a, b any
	if len(before) > 0 {
		if err := json.Unmarshal(before, &a); err != nil {
			return true
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &b); err != nil {
			return true
		}
	}
	return !reflect.DeepEqual(a, b)
}
