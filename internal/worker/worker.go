// Package worker defines the common contract of conversation workers and the
// process-wide manager that owns them.
//
// A worker binds one conversation to one agent runtime: the in-process
// integrated generator, an ACP subprocess, or a Codex subprocess. All three
// share the same surface so the bridge and manager never care which variant
// is behind a conversation.
package worker

import "context"

// Type identifies the worker variant.
type Type string

const (
	TypeIntegrated Type = "integrated"
	TypeACP        Type = "acp"
	TypeCodex      Type = "codex"
)

// Status is the coarse runtime state of a worker.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusError  Status = "error"
	StatusClosed Status = "closed"
)

// SendRequest enqueues one turn.
type SendRequest struct {
	// Input is the user prompt text.
	Input string `json:"input"`
	// MsgID is the logical chunk id for the assistant's streamed reply.
	MsgID string `json:"msg_id"`
	// Files are optional workspace-relative attachments.
	Files []string `json:"files,omitempty"`
	// LoadingID names the placeholder row the UI already shows; the first
	// streamed chunk upserts into it.
	LoadingID string `json:"loading_id,omitempty"`
}

// ConfirmRequest resolves a pending permission prompt.
type ConfirmRequest struct {
	// ConfirmKey is the selected option ("allow", "allow_always", "deny", ...).
	ConfirmKey string `json:"confirmKey"`
	MsgID      string `json:"msg_id"`
	CallID     string `json:"callId"`
}

// Worker is the runtime object owning a conversation's inbound queue,
// transport, and emitter.
//
// SendMessage returns once the turn is accepted for processing, not when it
// completes; a busy worker rejects with errs.ErrBusy (single-slot queue, no
// coalescing). Stop cancels the in-flight turn cooperatively: chunks already
// flushed stay persisted. ReloadContext is valid for integrated workers only;
// the subprocess variants return errs.ErrUnsupported.
type Worker interface {
	Type() Type
	// Workspace is immutable after construction. Moving a conversation to a
	// new workspace creates a new conversation.
	Workspace() string
	Status() Status

	SendMessage(ctx context.Context, req SendRequest) error
	ConfirmMessage(ctx context.Context, req ConfirmRequest) error
	Stop()
	ReloadContext(ctx context.Context) error
	Close() error
}
