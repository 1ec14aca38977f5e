// Package stream implements the per-msg_id write buffer that coalesces
// token-by-token text streams in front of the storage layer.
//
// Instead of one GET + full-row UPDATE per text chunk (dozens of round-trips
// per agent response), chunks accumulate in memory and reach SQLite either
// every BatchSize chunks or once the stream stalls for FlushInterval.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
)

// Mode selects how an appended chunk combines with the buffered content.
type Mode string

const (
	// ModeAccumulate appends the chunk to the buffered content.
	ModeAccumulate Mode = "accumulate"
	// ModeReplace overwrites the buffered content with the chunk.
	ModeReplace Mode = "replace"
)

const (
	// DefaultBatchSize is the chunk count that forces an immediate flush.
	DefaultBatchSize = 20
	// DefaultFlushInterval is the stalled-stream flush deadline.
	DefaultFlushInterval = 300 * time.Millisecond
)

// Store is the subset of the storage layer the buffer writes through.
type Store interface {
	GetMessageByMsgID(ctx context.Context, conversationID, msgID string) (*storage.Message, error)
	InsertMessage(ctx context.Context, m *storage.Message) error
	UpdateMessage(ctx context.Context, id string, m *storage.Message) error
}

// entry is the buffered state of one streaming message. Each entry owns its
// lock and at most one armed stall timer.
type entry struct {
	mu             sync.Mutex
	rowID          string
	msgID          string
	conversationID string
	position       storage.MessagePosition
	content        string
	count          int
	dirty          bool
	lastFlush      time.Time
	lastAppend     time.Time
	timer          *time.Timer
}

// Buffer coalesces streaming text writes per msg_id. The entry map is
// guarded by its own mutex; chunk application and flushing serialize on the
// per-entry lock, so two msg_ids never interleave their writes.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]*entry

	store    Store
	logger   *logger.Logger
	batch    int
	interval time.Duration
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithBatchSize overrides the count-based flush trigger.
func WithBatchSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.batch = n
		}
	}
}

// WithFlushInterval overrides the stalled-stream flush deadline.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.interval = d
		}
	}
}

// New creates a streaming write buffer on top of the given store.
func New(store Store, log *logger.Logger, opts ...Option) *Buffer {
	b := &Buffer{
		entries:  make(map[string]*entry),
		store:    store,
		logger:   log.WithFields(zap.String("component", "stream_buffer")),
		batch:    DefaultBatchSize,
		interval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a chunk to the stream identified by msgID. rowID names the
// message row the stream persists into; it is used when the first flush has
// to insert. The caller guarantees chunk order; the buffer preserves it.
//
// A flush happens inline when the chunk count hits the batch size or the
// stream already stalled past the flush interval; otherwise the stall timer
// is re-armed so the tail reaches storage even if no further chunk arrives.
// Returns the full buffered content after applying the chunk.
func (b *Buffer) Append(ctx context.Context, rowID, msgID, conversationID, chunk string, mode Mode) (string, error) {
	e := b.entry(msgID, rowID, conversationID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	stalled := e.dirty && now.Sub(e.lastAppend) > b.interval

	if mode == ModeReplace {
		e.content = chunk
	} else {
		e.content += chunk
	}
	e.count++
	e.dirty = true
	e.lastAppend = now

	if e.count%b.batch == 0 || stalled {
		b.flushLocked(ctx, e)
		return e.content, nil
	}

	// One timer per entry; re-armed on every buffered append.
	if e.timer == nil {
		e.timer = time.AfterFunc(b.interval, func() { b.onTimer(msgID) })
	} else {
		e.timer.Reset(b.interval)
	}
	return e.content, nil
}

// SetPosition fixes the position used when the first flush inserts the row.
func (b *Buffer) SetPosition(msgID string, position storage.MessagePosition) {
	b.mu.Lock()
	e, ok := b.entries[msgID]
	b.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.position = position
	e.mu.Unlock()
}

// Finalize force-flushes a stream and drops its entry. Call on the terminal
// event of a turn.
func (b *Buffer) Finalize(ctx context.Context, msgID string) {
	b.mu.Lock()
	e, ok := b.entries[msgID]
	if ok {
		delete(b.entries, msgID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.dirty {
		b.flushLocked(ctx, e)
	}
}

// FinalizeConversation force-flushes and drops every stream belonging to a
// conversation. Used on stop and worker teardown.
func (b *Buffer) FinalizeConversation(ctx context.Context, conversationID string) {
	b.mu.Lock()
	var doomed []string
	for msgID, e := range b.entries {
		if e.conversationID == conversationID {
			doomed = append(doomed, msgID)
		}
	}
	b.mu.Unlock()

	for _, msgID := range doomed {
		b.Finalize(ctx, msgID)
	}
}

// Close flushes every remaining entry. The buffer must not be used after.
func (b *Buffer) Close(ctx context.Context) {
	b.mu.Lock()
	msgIDs := make([]string, 0, len(b.entries))
	for msgID := range b.entries {
		msgIDs = append(msgIDs, msgID)
	}
	b.mu.Unlock()

	for _, msgID := range msgIDs {
		b.Finalize(ctx, msgID)
	}
}

func (b *Buffer) entry(msgID, rowID, conversationID string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[msgID]
	if !ok {
		e = &entry{
			rowID:          rowID,
			msgID:          msgID,
			conversationID: conversationID,
			position:       storage.PositionLeft,
			lastFlush:      time.Now(),
		}
		b.entries[msgID] = e
	}
	return e
}

func (b *Buffer) onTimer(msgID string) {
	b.mu.Lock()
	e, ok := b.entries[msgID]
	b.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty {
		b.flushLocked(context.Background(), e)
	}
}

// flushLocked writes the buffered content through the msg_id upsert path.
// The caller holds the entry lock. Errors are logged and the entry stays
// dirty so the next append retries.
func (b *Buffer) flushLocked(ctx context.Context, e *entry) {
	existing, err := b.store.GetMessageByMsgID(ctx, e.conversationID, e.msgID)
	switch {
	case err == nil:
		existing.Content = storage.EncodeText(e.content)
		existing.Status = storage.MessageStatusWork
		err = b.store.UpdateMessage(ctx, existing.ID, existing)
	case errs.IsNotFound(err):
		err = b.store.InsertMessage(ctx, &storage.Message{
			ID:             e.rowID,
			ConversationID: e.conversationID,
			MsgID:          e.msgID,
			Type:           storage.MessageTypeText,
			Content:        storage.EncodeText(e.content),
			Position:       e.position,
			Status:         storage.MessageStatusWork,
		})
	}
	if err != nil {
		// Keep the entry dirty; the next append or timer retries the upsert.
		b.logger.Error("failed to flush stream chunk",
			zap.String("msg_id", e.msgID),
			zap.String("conversation_id", e.conversationID),
			zap.Error(err))
		return
	}
	e.dirty = false
	e.lastFlush = time.Now()
}
