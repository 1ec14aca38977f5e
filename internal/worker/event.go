package worker

// Stream event types. This set is closed: anything a transport produces must
// normalize into one of these before reaching the emitter.
const (
	EventError           = "error"
	EventContent         = "content"
	EventUserContent     = "user_content"
	EventToolCall        = "tool_call"
	EventToolGroup       = "tool_group"
	EventAgentStatus     = "agent_status"
	EventACPPermission   = "acp_permission"
	EventACPToolCall     = "acp_tool_call"
	EventCodexPermission = "codex_permission"
	EventCodexToolCall   = "codex_tool_call"
	EventStart           = "start"
	EventFinish          = "finish"
	EventThought         = "thought"
)

// Event is the envelope every worker emits, both toward the UI bus and into
// the persistence pipeline. Data is type-specific: a string for text and
// error events, a structured payload for tool events.
type Event struct {
	Type           string `json:"type"`
	Data           any    `json:"data"`
	MsgID          string `json:"msg_id"`
	ConversationID string `json:"conversation_id"`
}
