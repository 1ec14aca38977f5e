package codex

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/worker"
	"github.com/agentdesk/agentdesk/pkg/codex"
)

// toolCallContent is the content blob of codex_tool_call messages. The
// composer merges successive events by ToolCallID, so an end event lands on
// the row its begin event created.
type toolCallContent struct {
	ToolCallID string         `json:"toolCallId"`
	Kind       string         `json:"kind"`
	Subtype    string         `json:"subtype,omitempty"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
}

func (w *Worker) handleNotification(method string, params json.RawMessage) {
	if method != codex.MethodEvent {
		w.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}

	var p codex.EventParams
	if err := json.Unmarshal(params, &p); err != nil {
		w.logger.Warn("failed to parse codex event", zap.Error(err))
		return
	}

	msgID := w.currentMsgID()
	msg := p.Msg

	switch msg.Type {
	case codex.EventTaskStarted:
		w.emit(worker.Event{Type: worker.EventStart, MsgID: msgID})

	case codex.EventTaskComplete:
		w.emit(worker.Event{Type: worker.EventFinish, MsgID: msgID})
		w.endTurn(worker.StatusIdle)

	case codex.EventAgentMessageDelta:
		w.emit(worker.Event{Type: worker.EventContent, Data: msg.String("delta"), MsgID: msgID})

	case codex.EventAgentReasoningDelta:
		w.emit(worker.Event{Type: worker.EventThought, Data: msg.String("delta"), MsgID: msgID})

	case codex.EventError:
		w.emitError(msg.String("message"))
		w.endTurn(worker.StatusIdle)

	case codex.EventExecCommandBegin:
		w.emitTool(msg, p.ID, msgID, "exec_command", "begin", string(storage.MessageStatusWork))

	case codex.EventExecCommandOutputDelta:
		w.mu.Lock()
		w.output[msg.CallID] += msg.String("chunk")
		aggregated := w.output[msg.CallID]
		w.mu.Unlock()
		enriched := msg
		enriched.Raw = cloneWith(msg.Raw, "aggregatedOutput", aggregated)
		w.emitTool(enriched, p.ID, msgID, "exec_command", "output_delta", string(storage.MessageStatusWork))

	case codex.EventExecCommandEnd:
		status := storage.MessageStatusFinish
		if code, ok := msg.Raw["exit_code"].(float64); ok && code != 0 {
			status = storage.MessageStatusError
		}
		w.mu.Lock()
		delete(w.output, msg.CallID)
		w.mu.Unlock()
		w.emitTool(msg, p.ID, msgID, "exec_command", "end", string(status))

	case codex.EventPatchApplyBegin:
		w.emitTool(msg, p.ID, msgID, "patch_apply", "begin", string(storage.MessageStatusWork))

	case codex.EventPatchApplyEnd:
		status := storage.MessageStatusFinish
		if ok, has := msg.Raw["success"].(bool); has && !ok {
			status = storage.MessageStatusError
		}
		w.emitTool(msg, p.ID, msgID, "patch_apply", "end", string(status))

	case codex.EventMcpToolCallBegin:
		w.emitTool(msg, p.ID, msgID, "mcp_tool_call", "begin", string(storage.MessageStatusWork))

	case codex.EventMcpToolCallEnd:
		w.emitTool(msg, p.ID, msgID, "mcp_tool_call", "end", string(storage.MessageStatusFinish))

	case codex.EventWebSearchBegin:
		w.emitTool(msg, p.ID, msgID, "web_search", "begin", string(storage.MessageStatusWork))

	case codex.EventWebSearchEnd:
		w.emitTool(msg, p.ID, msgID, "web_search", "end", string(storage.MessageStatusFinish))

	case codex.EventTurnDiff:
		w.emitTool(msg, p.ID, msgID, "turn_diff", "", string(storage.MessageStatusFinish))

	default:
		// Unknown event types pass through with their payload intact.
		w.emitTool(msg, p.ID, msgID, "generic", msg.Type, string(storage.MessageStatusFinish))
	}
}

// emitTool publishes one codex_tool_call event. callId-less events
// (turn_diff, generic) get a synthetic id stable within the turn so their
// successive updates merge into one row.
func (w *Worker) emitTool(msg codex.EventMsg, eventID, msgID, kind, subtype, status string) {
	callID := msg.CallID
	if callID == "" {
		callID = kind + ":" + subtype + ":" + msgID
		if msgID == "" {
			callID = kind + ":" + subtype + ":" + eventID
		}
	}
	w.emit(worker.Event{
		Type:  worker.EventCodexToolCall,
		MsgID: msgID,
		Data: toolCallContent{
			ToolCallID: callID,
			Kind:       kind,
			Subtype:    subtype,
			Status:     status,
			Data:       msg.Raw,
		},
	})
}

func cloneWith(raw map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out[key] = value
	return out
}
