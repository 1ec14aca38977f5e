// Package storage implements the durable SQLite-backed store for
// conversations and their message logs.
package storage

import (
	"encoding/json"
	"time"
)

// ConversationType identifies the worker variant bound to a conversation.
type ConversationType string

const (
	ConversationTypeIntegrated ConversationType = "integrated"
	ConversationTypeACP        ConversationType = "acp"
	ConversationTypeCodex      ConversationType = "codex"
)

// ConversationStatus tracks the coarse lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationStatusPending  ConversationStatus = "pending"
	ConversationStatusRunning  ConversationStatus = "running"
	ConversationStatusFinished ConversationStatus = "finished"
)

// ConversationExtra is the opaque per-conversation settings blob. The store
// never indexes inside it; it is serialized as JSON and handed back verbatim.
type ConversationExtra struct {
	Workspace string   `json:"workspace,omitempty"`
	Rules     string   `json:"rules,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	Context   string   `json:"context,omitempty"`
	// Backend selects the ACP agent backend (e.g. "gemini", "claude").
	Backend string `json:"backend,omitempty"`
	// CLIPath overrides the agent executable lookup.
	CLIPath string `json:"cliPath,omitempty"`
}

// Conversation is a durable unit comprising a workspace, model config,
// status, and a message log.
type Conversation struct {
	ID        string             `json:"id" db:"id"`
	UserID    string             `json:"userId" db:"user_id"`
	Name      string             `json:"name" db:"name"`
	Type      ConversationType   `json:"type" db:"type"`
	Extra     ConversationExtra  `json:"extra" db:"-"`
	Model     json.RawMessage    `json:"model,omitempty" db:"-"`
	Status    ConversationStatus `json:"status" db:"status"`
	CreatedAt time.Time          `json:"createTime" db:"created_at"`
	UpdatedAt time.Time          `json:"modifyTime" db:"updated_at"`
}

// ConversationPatch is a partial update for a conversation. Nil fields are
// left untouched.
type ConversationPatch struct {
	Name   *string             `json:"name,omitempty"`
	Extra  *ConversationExtra  `json:"extra,omitempty"`
	Model  json.RawMessage     `json:"model,omitempty"`
	Status *ConversationStatus `json:"status,omitempty"`
}

// MessagePosition controls how the UI lays out a message.
type MessagePosition string

const (
	PositionLeft   MessagePosition = "left"
	PositionRight  MessagePosition = "right"
	PositionCenter MessagePosition = "center"
	PositionPop    MessagePosition = "pop"
)

// MessageStatus tracks the per-message processing state.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusWork    MessageStatus = "work"
	MessageStatusFinish  MessageStatus = "finish"
	MessageStatusError   MessageStatus = "error"
)

// Message type discriminators. Content is a sum type over this closed set;
// the sub-schema of the content blob is determined by Type alone.
const (
	MessageTypeText            = "text"
	MessageTypeTips            = "tips"
	MessageTypeToolCall        = "tool_call"
	MessageTypeToolGroup       = "tool_group"
	MessageTypeAgentStatus     = "agent_status"
	MessageTypeACPPermission   = "acp_permission"
	MessageTypeACPToolCall     = "acp_tool_call"
	MessageTypeCodexPermission = "codex_permission"
	MessageTypeCodexToolCall   = "codex_tool_call"
)

// Message is a single row of a conversation's durable log. Content is an
// opaque JSON blob discriminated by Type.
type Message struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	MsgID          string          `json:"msg_id,omitempty" db:"msg_id"`
	Type           string          `json:"type" db:"type"`
	Content        json.RawMessage `json:"content" db:"content"`
	Position       MessagePosition `json:"position" db:"position"`
	Status         MessageStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// TextContent is the content schema for text messages.
type TextContent struct {
	Content string `json:"content"`
}

// TipsContent is the content schema for tips messages.
type TipsContent struct {
	Content string `json:"content"`
	Type    string `json:"type"` // error, success, warning
}

// AgentStatusContent is the content schema for agent_status messages.
type AgentStatusContent struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
}

// User is the single local user row. A desktop install seeds exactly one.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// SystemUserID is the seeded default user for the single-user desktop host.
const SystemUserID = "system"

// Page is the generic paginated result envelope.
type Page[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// EncodeText builds a text content blob.
func EncodeText(s string) json.RawMessage {
	raw, _ := json.Marshal(TextContent{Content: s})
	return raw
}

// EncodeTips builds a tips content blob.
func EncodeTips(s, tipType string) json.RawMessage {
	raw, _ := json.Marshal(TipsContent{Content: s, Type: tipType})
	return raw
}

// DecodeText extracts the content string from a text blob. Returns the empty
// string for malformed blobs.
func DecodeText(raw json.RawMessage) string {
	var tc TextContent
	if err := json.Unmarshal(raw, &tc); err != nil {
		return ""
	}
	return tc.Content
}
