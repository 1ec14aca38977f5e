package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// collector gathers events delivered to one subscription.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func publish(t *testing.T, b *MemoryEventBus, subject, eventType, conversationID string) {
	t.Helper()
	ev, err := NewEvent(eventType, conversationID, "", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), subject, ev))
}

func TestExactSubjectDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got collector
	_, err := b.Subscribe(ConversationSubject("c1"), got.handle)
	require.NoError(t, err)

	publish(t, b, ConversationSubject("c1"), "content", "c1")
	publish(t, b, ConversationSubject("c2"), "content", "c2")

	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "c1", got.events[0].ConversationID)
}

func TestWildcardMatchesEveryConversation(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got collector
	_, err := b.Subscribe(AllConversationsSubject, got.handle)
	require.NoError(t, err)

	publish(t, b, ConversationSubject("c1"), "content", "c1")
	publish(t, b, ConversationSubject("c2"), "tool_call", "c2")
	publish(t, b, WorkspaceSearchSubject, "workspace_search", "")

	require.Eventually(t, func() bool { return got.count() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestSequentialPublishesArriveInOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got collector
	_, err := b.Subscribe(ConversationSubject("c1"), got.handle)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		ev, err := NewEvent("content", "c1", strconv.Itoa(i), nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), ConversationSubject("c1"), ev))
	}

	require.Eventually(t, func() bool { return got.count() == n },
		2*time.Second, 10*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	for i, ev := range got.events {
		require.Equal(t, strconv.Itoa(i), ev.MsgID, "event %d delivered out of order", i)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got collector
	sub, err := b.Subscribe(ConversationSubject("c1"), got.handle)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	publish(t, b, ConversationSubject("c1"), "content", "c1")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	// Fire-and-forget: no subscriber, no error, no buffering.
	publish(t, b, ConversationSubject("c1"), "content", "c1")
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	ev, err := NewEvent("content", "c1", "", nil)
	require.NoError(t, err)
	assert.Error(t, b.Publish(context.Background(), ConversationSubject("c1"), ev))
}
