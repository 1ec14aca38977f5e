package acp

import (
	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/worker"
)

// handleUpdate converts one session/update notification into a stream
// event. Tool activity is wrapped as {sessionId, update:{toolCallId,...}} so
// successive updates for the same toolCallId merge into one message row.
func (w *Worker) handleUpdate(n acp.SessionNotification) {
	msgID := w.currentMsgID()
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			w.emit(worker.Event{
				Type:  worker.EventContent,
				Data:  u.AgentMessageChunk.Content.Text.Text,
				MsgID: msgID,
			})
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			w.emit(worker.Event{
				Type:  worker.EventThought,
				Data:  u.AgentThoughtChunk.Content.Text.Text,
				MsgID: msgID,
			})
		}

	case u.ToolCall != nil:
		update := map[string]any{
			"toolCallId": string(u.ToolCall.ToolCallId),
			"kind":       string(u.ToolCall.Kind),
			"title":      u.ToolCall.Title,
			"status":     string(u.ToolCall.Status),
		}
		if update["status"] == "" {
			update["status"] = "in_progress"
		}
		if len(u.ToolCall.Locations) > 0 {
			locations := make([]map[string]any, len(u.ToolCall.Locations))
			for i, loc := range u.ToolCall.Locations {
				entry := map[string]any{"path": loc.Path}
				if loc.Line != nil {
					entry["line"] = *loc.Line
				}
				locations[i] = entry
			}
			update["locations"] = locations
		}
		if u.ToolCall.RawInput != nil {
			update["rawInput"] = u.ToolCall.RawInput
		}
		w.emitToolUpdate(n, msgID, update)

	case u.ToolCallUpdate != nil:
		update := map[string]any{
			"toolCallId": string(u.ToolCallUpdate.ToolCallId),
		}
		if u.ToolCallUpdate.Status != nil {
			update["status"] = string(*u.ToolCallUpdate.Status)
		}
		if u.ToolCallUpdate.RawOutput != nil {
			update["rawOutput"] = u.ToolCallUpdate.RawOutput
		}
		w.emitToolUpdate(n, msgID, update)

	case u.Plan != nil:
		entries := make([]map[string]any, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = map[string]any{
				"content":  e.Content,
				"status":   string(e.Status),
				"priority": string(e.Priority),
			}
		}
		// The plan evolves across a turn; a stable synthetic id keeps each
		// revision in the same row.
		w.emitToolUpdate(n, msgID, map[string]any{
			"toolCallId": "plan:" + msgID,
			"kind":       "plan",
			"status":     "in_progress",
			"entries":    entries,
		})

	case u.AvailableCommandsUpdate != nil:
		w.logger.Debug("available commands updated",
			zap.String("session_id", string(n.SessionId)))

	default:
		w.logger.Debug("ignoring session update", zap.String("session_id", string(n.SessionId)))
	}
}

func (w *Worker) emitToolUpdate(n acp.SessionNotification, msgID string, update map[string]any) {
	w.emit(worker.Event{
		Type:  worker.EventACPToolCall,
		MsgID: msgID,
		Data: map[string]any{
			"sessionId": string(n.SessionId),
			"update":    update,
		},
	})
}
