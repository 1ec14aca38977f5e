package integrated

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/tracing"
	"github.com/agentdesk/agentdesk/internal/worker"
)

// contextWindow is how many history rows ReloadContext re-seeds from.
const contextWindow = 100

// HistorySource loads the recent rows the generator context is seeded from.
type HistorySource interface {
	GetRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]*storage.Message, error)
}

// Worker is the in-process conversation worker. One turn runs at a time;
// SendMessage while a turn is in flight is rejected with errs.ErrBusy.
type Worker struct {
	conversationID string
	workspace      string
	model          json.RawMessage
	extra          storage.ConversationExtra

	pool    *Pool
	emitter *worker.Emitter
	history HistorySource
	logger  *logger.Logger

	mu     sync.Mutex
	status worker.Status
	cancel context.CancelFunc
	turns  []Turn
}

var _ worker.Worker = (*Worker)(nil)

// New builds an integrated worker for one conversation. The generator
// context starts empty; ReloadContext seeds it from persisted history.
func New(conv *storage.Conversation, pool *Pool, emitter *worker.Emitter, history HistorySource, log *logger.Logger) *Worker {
	return &Worker{
		conversationID: conv.ID,
		workspace:      conv.Extra.Workspace,
		model:          conv.Model,
		extra:          conv.Extra,
		pool:           pool,
		emitter:        emitter,
		history:        history,
		status:         worker.StatusIdle,
		logger: log.WithConversationID(conv.ID).
			WithFields(zap.String("worker", "integrated")),
	}
}

func (w *Worker) Type() worker.Type { return worker.TypeIntegrated }

func (w *Worker) Workspace() string { return w.workspace }

func (w *Worker) Status() worker.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SendMessage accepts one turn. It returns once the turn is accepted; the
// generation itself streams in the background.
func (w *Worker) SendMessage(ctx context.Context, req worker.SendRequest) error {
	w.mu.Lock()
	switch w.status {
	case worker.StatusClosed:
		w.mu.Unlock()
		return fmt.Errorf("conversation %s: worker closed", w.conversationID)
	case worker.StatusBusy:
		w.mu.Unlock()
		return errs.ErrBusy
	}

	// The turn outlives the request context; only Stop and Close cancel it.
	turnCtx, cancel := context.WithCancel(context.Background())
	w.status = worker.StatusBusy
	w.cancel = cancel
	w.mu.Unlock()

	msgID := req.MsgID
	if msgID == "" {
		msgID = uuid.New().String()
	}

	if err := w.emitter.Emit(ctx, worker.Event{
		Type:           worker.EventUserContent,
		Data:           req.Input,
		MsgID:          uuid.New().String(),
		ConversationID: w.conversationID,
	}); err != nil {
		w.finishTurn(worker.StatusError)
		return err
	}

	go w.runTurn(turnCtx, req.Input, msgID)
	return nil
}

func (w *Worker) runTurn(ctx context.Context, input, msgID string) {
	ctx, span := tracing.TraceTurn(ctx, w.conversationID, string(worker.TypeIntegrated), msgID)
	var turnErr error
	defer func() { tracing.RecordResult(span, turnErr); span.End() }()

	w.emit(ctx, worker.Event{Type: worker.EventStart, MsgID: msgID})

	gen, err := w.pool.Acquire(ctx)
	if err != nil {
		turnErr = err
		w.emit(ctx, worker.Event{Type: worker.EventError, Data: err.Error(), MsgID: msgID})
		w.finishTurn(worker.StatusIdle)
		return
	}
	defer w.pool.Release(gen)

	w.mu.Lock()
	req := GenerateRequest{
		Model:     w.model,
		Workspace: w.workspace,
		Rules:     w.extra.Rules,
		Skills:    w.extra.Skills,
		Context:   w.extra.Context,
		History:   append([]Turn(nil), w.turns...),
		Input:     input,
	}
	w.mu.Unlock()

	var reply string
	err = gen.Generate(ctx, req, func(d Delta) {
		switch d.Kind {
		case DeltaText:
			reply += d.Text
			w.emit(ctx, worker.Event{Type: worker.EventContent, Data: d.Text, MsgID: msgID})
		case DeltaThought:
			w.emit(ctx, worker.Event{Type: worker.EventThought, Data: d.Text, MsgID: msgID})
		case DeltaToolCall:
			w.emit(ctx, worker.Event{Type: worker.EventToolCall, Data: d.Tool, MsgID: msgID})
		case DeltaToolGroup:
			w.emit(ctx, worker.Event{Type: worker.EventToolGroup, Data: d.Tool, MsgID: msgID})
		}
	})

	switch {
	case err == nil:
		w.mu.Lock()
		w.turns = append(w.turns, Turn{Role: "user", Content: input})
		if reply != "" {
			w.turns = append(w.turns, Turn{Role: "assistant", Content: reply})
		}
		w.mu.Unlock()
	case ctx.Err() != nil:
		// Stopped mid-turn; chunks already flushed stay persisted.
		turnErr = ctx.Err()
		w.logger.Info("turn canceled", zap.String("msg_id", msgID))
	default:
		turnErr = err
		w.emit(ctx, worker.Event{Type: worker.EventError, Data: err.Error(), MsgID: msgID})
	}

	// Finish flushes the text stream even on error and cancel paths.
	w.emit(context.WithoutCancel(ctx), worker.Event{Type: worker.EventFinish, MsgID: msgID})
	w.finishTurn(worker.StatusIdle)
}

func (w *Worker) emit(ctx context.Context, ev worker.Event) {
	ev.ConversationID = w.conversationID
	if err := w.emitter.Emit(ctx, ev); err != nil {
		w.logger.Error("failed to emit event",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

func (w *Worker) finishTurn(status worker.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == worker.StatusClosed {
		return
	}
	w.status = status
	w.cancel = nil
}

// ConfirmMessage is not applicable: the integrated generator has no
// out-of-band permission prompts.
func (w *Worker) ConfirmMessage(context.Context, worker.ConfirmRequest) error {
	return errs.ErrUnsupported
}

// Stop cancels the in-flight turn, if any. Persisted chunks are kept.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ReloadContext replaces the generator's seeded context with the recent
// persisted history of the conversation.
func (w *Worker) ReloadContext(ctx context.Context) error {
	messages, err := w.history.GetRecentConversationMessages(ctx, w.conversationID, contextWindow)
	if err != nil {
		return err
	}
	turns := historyTurns(messages)

	w.mu.Lock()
	w.turns = turns
	w.mu.Unlock()

	w.logger.Info("reloaded generator context", zap.Int("turns", len(turns)))
	return nil
}

// Close stops the worker permanently.
func (w *Worker) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	w.status = worker.StatusClosed
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
