// Package codex speaks the Codex app-server protocol: a JSON-RPC 2.0 variant
// over line-delimited stdio that omits the "jsonrpc":"2.0" header.
package codex

import "encoding/json"

// Request is an outbound call. ID is empty for notifications.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request by id.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no reply expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Client → agent methods.
const (
	MethodInitialize            = "initialize"
	MethodNewConversation       = "newConversation"
	MethodSendUserMessage       = "sendUserMessage"
	MethodInterruptConversation = "interruptConversation"
)

// Agent → client requests (answered via SendResponse).
const (
	MethodExecCommandApproval = "execCommandApproval"
	MethodApplyPatchApproval  = "applyPatchApproval"
)

// MethodEvent is the agent → client notification carrying stream events.
const MethodEvent = "codex/event"

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewConversationParams starts a conversation rooted at a workspace.
type NewConversationParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"` // untrusted, on-request, never
	Sandbox        string `json:"sandbox,omitempty"`        // read-only, workspace-write
}

// NewConversationResult from newConversation.
type NewConversationResult struct {
	ConversationID string `json:"conversationId"`
	Model          string `json:"model,omitempty"`
}

// UserMessageItem is one input item of a user message.
type UserMessageItem struct {
	Type string `json:"type"` // text, image
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// SendUserMessageParams for sendUserMessage.
type SendUserMessageParams struct {
	ConversationID string            `json:"conversationId"`
	Items          []UserMessageItem `json:"items"`
}

// InterruptConversationParams for interruptConversation.
type InterruptConversationParams struct {
	ConversationID string `json:"conversationId"`
}

// ApprovalParams is the payload of execCommandApproval and applyPatchApproval
// requests from the agent.
type ApprovalParams struct {
	ConversationID string   `json:"conversationId"`
	CallID         string   `json:"callId"`
	Command        string   `json:"command,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Path           string   `json:"path,omitempty"`
	Diff           string   `json:"diff,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Options        []string `json:"options,omitempty"`
}

// ApprovalResponse answers an approval request.
// Decision values: approved, approved_for_session, denied, abort.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

const (
	DecisionApproved           = "approved"
	DecisionApprovedForSession = "approved_for_session"
	DecisionDenied             = "denied"
	DecisionAbort              = "abort"
)

// Stream event types carried by codex/event. Anything outside this set is
// treated as a generic event with an opaque payload.
const (
	EventTaskStarted            = "task_started"
	EventTaskComplete           = "task_complete"
	EventAgentMessageDelta      = "agent_message_delta"
	EventAgentReasoningDelta    = "agent_reasoning_delta"
	EventExecCommandBegin       = "exec_command_begin"
	EventExecCommandOutputDelta = "exec_command_output_delta"
	EventExecCommandEnd         = "exec_command_end"
	EventPatchApplyBegin        = "patch_apply_begin"
	EventPatchApplyEnd          = "patch_apply_end"
	EventMcpToolCallBegin       = "mcp_tool_call_begin"
	EventMcpToolCallEnd         = "mcp_tool_call_end"
	EventWebSearchBegin         = "web_search_begin"
	EventWebSearchEnd           = "web_search_end"
	EventTurnDiff               = "turn_diff"
	EventError                  = "error"
)

// EventParams is the codex/event notification payload.
type EventParams struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is a discriminated event. Type and CallID are lifted out; every
// field (the two included) stays available in Raw so generic events lose
// nothing.
type EventMsg struct {
	Type   string
	CallID string
	Raw    map[string]any
}

// UnmarshalJSON keeps the full payload bag while extracting the
// discriminator and the call correlation id.
func (m *EventMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Raw = raw
	if t, ok := raw["type"].(string); ok {
		m.Type = t
	}
	if id, ok := raw["call_id"].(string); ok {
		m.CallID = id
	}
	return nil
}

// MarshalJSON writes the payload bag with type and call_id folded back in.
func (m EventMsg) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(m.Raw)+2)
	for k, v := range m.Raw {
		raw[k] = v
	}
	if m.Type != "" {
		raw["type"] = m.Type
	}
	if m.CallID != "" {
		raw["call_id"] = m.CallID
	}
	return json.Marshal(raw)
}

// String returns a string field of the payload bag, or "".
func (m EventMsg) String(key string) string {
	s, _ := m.Raw[key].(string)
	return s
}
