package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/compose"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/stream"
)

// composeWindow is how many trailing messages the composer merges against.
const composeWindow = 200

// EmitterStore is the storage surface the emitter persists through.
type EmitterStore interface {
	stream.Store
	GetRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]*storage.Message, error)
}

// Emitter turns worker events into persisted messages and UI notifications.
//
// Every event is published to the bus first (fire-and-forget: no subscriber,
// no buffering), then persisted according to its type. Text chunks go through
// the streaming buffer's msg_id upsert; tool events go through the composer's
// callId merge; start, finish, and thought are lifecycle-only and never reach
// storage.
type Emitter struct {
	store  EmitterStore
	buffer *stream.Buffer
	bus    bus.EventBus
	logger *logger.Logger
}

// NewEmitter creates an emitter over the given persistence and bus sinks.
func NewEmitter(store EmitterStore, buffer *stream.Buffer, eventBus bus.EventBus, log *logger.Logger) *Emitter {
	return &Emitter{
		store:  store,
		buffer: buffer,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "emitter")),
	}
}

// Emit publishes ev to the conversation's stream subject and persists it.
// An event type outside the closed set is a programmer error and panics.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	e.publish(ctx, ev)

	switch ev.Type {
	case EventContent:
		return e.persistText(ctx, ev, storage.PositionLeft, stream.ModeAccumulate)
	case EventUserContent:
		return e.persistText(ctx, ev, storage.PositionRight, stream.ModeReplace)
	case EventToolCall, EventToolGroup, EventACPToolCall, EventCodexToolCall:
		return e.persistComposed(ctx, ev, storage.MessageStatusWork)
	case EventACPPermission, EventCodexPermission:
		return e.insertMessage(ctx, ev, ev.Type, storage.PositionLeft, storage.MessageStatusPending)
	case EventAgentStatus:
		return e.insertMessage(ctx, ev, storage.MessageTypeAgentStatus, storage.PositionCenter, storage.MessageStatusFinish)
	case EventError:
		return e.persistErrorTips(ctx, ev)
	case EventStart, EventThought:
		return nil
	case EventFinish:
		// Terminal flush for the turn's text stream.
		if ev.MsgID != "" {
			e.buffer.Finalize(ctx, ev.MsgID)
		}
		return nil
	default:
		panic(fmt.Sprintf("worker: unknown event type %q", ev.Type))
	}
}

// publish sends the event to UI subscribers. Delivery failures are logged
// and swallowed: persistence must not depend on anyone listening.
func (e *Emitter) publish(ctx context.Context, ev Event) {
	event, err := bus.NewEvent(ev.Type, ev.ConversationID, ev.MsgID, ev.Data)
	if err != nil {
		e.logger.Error("failed to build stream event",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, bus.ConversationSubject(ev.ConversationID), event); err != nil {
		e.logger.Warn("failed to publish stream event",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

func (e *Emitter) persistText(ctx context.Context, ev Event, position storage.MessagePosition, mode stream.Mode) error {
	chunk, ok := ev.Data.(string)
	if !ok {
		return fmt.Errorf("%s event carries %T, want string", ev.Type, ev.Data)
	}
	if ev.MsgID == "" {
		return fmt.Errorf("%s event without msg_id", ev.Type)
	}
	rowID := uuid.New().String()
	if _, err := e.buffer.Append(ctx, rowID, ev.MsgID, ev.ConversationID, chunk, mode); err != nil {
		return err
	}
	e.buffer.SetPosition(ev.MsgID, position)
	if ev.Type == EventUserContent {
		// User input is a single emission, not a stream; land it right away.
		e.buffer.Finalize(ctx, ev.MsgID)
	}
	return nil
}

func (e *Emitter) persistComposed(ctx context.Context, ev Event, status storage.MessageStatus) error {
	content, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize %s content: %w", ev.Type, err)
	}
	incoming := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: ev.ConversationID,
		MsgID:          ev.MsgID,
		Type:           ev.Type,
		Content:        content,
		Position:       storage.PositionLeft,
		Status:         status,
	}

	recent, err := e.store.GetRecentConversationMessages(ctx, ev.ConversationID, composeWindow)
	if err != nil {
		return err
	}
	result := compose.Merge(recent, incoming)
	for _, m := range result.Updated {
		if err := e.store.UpdateMessage(ctx, m.ID, m); err != nil {
			return err
		}
	}
	for _, m := range result.Inserted {
		if err := e.store.InsertMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) insertMessage(ctx context.Context, ev Event, msgType string, position storage.MessagePosition, status storage.MessageStatus) error {
	content, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to serialize %s content: %w", msgType, err)
	}
	return e.store.InsertMessage(ctx, &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: ev.ConversationID,
		MsgID:          ev.MsgID,
		Type:           msgType,
		Content:        content,
		Position:       position,
		Status:         status,
	})
}

func (e *Emitter) persistErrorTips(ctx context.Context, ev Event) error {
	text, ok := ev.Data.(string)
	if !ok {
		raw, err := marshalData(ev.Data)
		if err != nil {
			return err
		}
		text = string(raw)
	}
	return e.store.InsertMessage(ctx, &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: ev.ConversationID,
		MsgID:          ev.MsgID,
		Type:           storage.MessageTypeTips,
		Content:        storage.EncodeTips(text, "error"),
		Position:       storage.PositionCenter,
		Status:         storage.MessageStatusError,
	})
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(data)
	}
}
