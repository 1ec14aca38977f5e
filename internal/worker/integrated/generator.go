// Package integrated implements the in-process worker variant. Generation is
// delegated to a Generator behind a small client pool; the worker translates
// its streamed deltas into conversation events.
package integrated

import (
	"context"
	"encoding/json"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/storage"
)

// DeltaKind discriminates the streamed generation increments.
type DeltaKind string

const (
	// DeltaText is an assistant text chunk.
	DeltaText DeltaKind = "text"
	// DeltaThought is internal reasoning; surfaced live, never persisted.
	DeltaThought DeltaKind = "thought"
	// DeltaToolCall is a single tool invocation or an update to one.
	DeltaToolCall DeltaKind = "tool_call"
	// DeltaToolGroup is a batch of related tool invocations.
	DeltaToolGroup DeltaKind = "tool_group"
)

// Delta is one increment of a streamed generation.
type Delta struct {
	Kind DeltaKind
	Text string
	// Tool carries the payload for tool_call and tool_group kinds.
	Tool map[string]any
}

// Turn is one prior exchange used to seed the generator's context.
type Turn struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// GenerateRequest is one turn handed to the generator.
type GenerateRequest struct {
	Model     json.RawMessage
	Workspace string
	Rules     string
	Skills    []string
	Context   string
	History   []Turn
	Input     string
}

// Generator produces a streamed response for one turn. Implementations send
// deltas on emit in order and return once the turn completes; a context
// cancellation aborts the stream. emit must not be used after return.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, emit func(Delta)) error
}

// Pool hands out generator clients with bounded concurrency. Acquire blocks
// until a client frees up or the context ends.
type Pool struct {
	clients chan Generator
}

// NewPool creates a pool over the given clients. At least one is required.
func NewPool(clients ...Generator) *Pool {
	ch := make(chan Generator, len(clients))
	for _, c := range clients {
		ch <- c
	}
	return &Pool{clients: ch}
}

// Acquire takes a client out of the pool.
func (p *Pool) Acquire(ctx context.Context) (Generator, error) {
	select {
	case c := <-p.clients:
		return c, nil
	case <-ctx.Done():
		return nil, errs.ErrCanceled
	}
}

// Release returns a client to the pool.
func (p *Pool) Release(c Generator) {
	p.clients <- c
}

// historyTurns converts persisted messages into generator context turns.
// Only text rows carry conversational content; tool and status rows are
// runtime artifacts the generator re-derives.
func historyTurns(messages []*storage.Message) []Turn {
	var turns []Turn
	for _, m := range messages {
		if m.Type != storage.MessageTypeText {
			continue
		}
		role := "assistant"
		if m.Position == storage.PositionRight {
			role = "user"
		}
		text := storage.DecodeText(m.Content)
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Role: role, Content: text})
	}
	return turns
}
