// Package bus provides the event bus used to stream conversation events to
// UI subscribers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message on the bus. Type identifies the
// stream event (content, tool_call, agent_status, ...) and Data carries the
// type-specific payload.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MsgID          string          `json:"msg_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent creates a new event with a UUID and current timestamp. The payload
// is serialized immediately so subscribers can never observe later mutation.
func NewEvent(eventType, conversationID, msgID string, payload any) (*Event, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		data = raw
	}
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		ConversationID: conversationID,
		MsgID:          msgID,
		Data:           data,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// ConversationSubject returns the stream subject for one conversation.
func ConversationSubject(conversationID string) string {
	return "conversation." + conversationID + ".stream"
}

// AllConversationsSubject matches the stream subjects of every conversation.
const AllConversationsSubject = "conversation.*.stream"

// WorkspaceSearchSubject is the emitter subject for workspace search results.
const WorkspaceSearchSubject = "workspace.search"

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe contract. Publishing is fire-and-forget:
// events with no subscribers are dropped, never buffered.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS-style wildcards: * (single token) and > (tail).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus; all subscriptions become invalid.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
