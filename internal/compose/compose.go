// Package compose implements the pure merge of a newly produced typed
// message into an ordered message list.
//
// It covers the persistence paths that cannot use the msg_id streaming
// upsert: tool_group, tool_call, codex_tool_call, and acp_tool_call messages
// are matched by call identifier and shallow-merged instead. All merges
// build new containers; input slices and maps are never mutated, so callers
// can rely on identity changes for change detection.
package compose

import (
	"encoding/json"

	"github.com/agentdesk/agentdesk/internal/storage"
)

// Result describes the outcome of a merge: the new ordered list plus the
// row-level operations a persister has to apply.
type Result struct {
	// Messages is the merged list. Untouched elements are shared with the
	// input; changed and appended elements are fresh values.
	Messages []*storage.Message
	// Updated holds existing rows whose content changed.
	Updated []*storage.Message
	// Inserted holds rows appended at the tail.
	Inserted []*storage.Message
}

// Merge merges incoming into messages according to its type.
func Merge(messages []*storage.Message, incoming *storage.Message) Result {
	switch incoming.Type {
	case storage.MessageTypeToolGroup:
		return mergeToolGroup(messages, incoming)
	case storage.MessageTypeToolCall, storage.MessageTypeCodexToolCall, storage.MessageTypeACPToolCall:
		return mergeToolCall(messages, incoming)
	case storage.MessageTypeText:
		return mergeText(messages, incoming)
	default:
		return appendOnly(messages, incoming)
	}
}

// mergeToolGroup replaces elements of existing groups whose callId matches an
// incoming element with the shallow merge of old and new, and appends the
// unmatched remainder as a new group at the tail. The merged content never
// holds duplicate callIds.
func mergeToolGroup(messages []*storage.Message, incoming *storage.Message) Result {
	incomingItems := decodeItems(incoming.Content)
	matched := make(map[string]bool, len(incomingItems))

	out := make([]*storage.Message, len(messages))
	copy(out, messages)
	var updated []*storage.Message

	for i, msg := range messages {
		if msg.Type != storage.MessageTypeToolGroup {
			continue
		}
		items := decodeItems(msg.Content)
		changed := false
		merged := make([]map[string]any, len(items))
		for j, item := range items {
			callID := stringField(item, "callId")
			replacement := findItem(incomingItems, callID)
			if callID != "" && replacement != nil {
				merged[j] = shallowMerge(item, replacement)
				matched[callID] = true
				changed = true
			} else {
				merged[j] = item
			}
		}
		if !changed {
			continue
		}
		updatedMsg := cloneMessage(msg)
		updatedMsg.Content = encodeItems(merged)
		out[i] = updatedMsg
		updated = append(updated, updatedMsg)
	}

	var remainder []map[string]any
	for _, item := range incomingItems {
		callID := stringField(item, "callId")
		if callID == "" || !matched[callID] {
			remainder = append(remainder, item)
		}
	}
	var inserted []*storage.Message
	if len(remainder) > 0 {
		tail := cloneMessage(incoming)
		tail.Content = encodeItems(remainder)
		out = append(out, tail)
		inserted = append(inserted, tail)
	}

	return Result{Messages: out, Updated: updated, Inserted: inserted}
}

// mergeToolCall shallow-merges the incoming call into the first existing
// element with a matching call identifier, or appends.
func mergeToolCall(messages []*storage.Message, incoming *storage.Message) Result {
	callID := callIdentifier(incoming)
	if callID == "" {
		return appendOnly(messages, incoming)
	}
	for i, msg := range messages {
		if msg.Type != incoming.Type || callIdentifier(msg) != callID {
			continue
		}
		mergedContent := mergeContent(msg, incoming)

		out := make([]*storage.Message, len(messages))
		copy(out, messages)
		updatedMsg := cloneMessage(msg)
		updatedMsg.Content = mergedContent
		updatedMsg.Status = incoming.Status
		out[i] = updatedMsg
		return Result{Messages: out, Updated: []*storage.Message{updatedMsg}}
	}
	return appendOnly(messages, incoming)
}

// mergeText concatenates the incoming chunk onto a tail message sharing
// msg_id and type. The streaming buffer path is preferred; this only runs
// when composing from an external emission path.
func mergeText(messages []*storage.Message, incoming *storage.Message) Result {
	if len(messages) > 0 {
		tail := messages[len(messages)-1]
		if tail.Type == storage.MessageTypeText && incoming.MsgID != "" && tail.MsgID == incoming.MsgID {
			out := make([]*storage.Message, len(messages))
			copy(out, messages)
			updatedMsg := cloneMessage(tail)
			updatedMsg.Content = storage.EncodeText(
				storage.DecodeText(tail.Content) + storage.DecodeText(incoming.Content))
			out[len(out)-1] = updatedMsg
			return Result{Messages: out, Updated: []*storage.Message{updatedMsg}}
		}
	}
	return appendOnly(messages, incoming)
}

func appendOnly(messages []*storage.Message, incoming *storage.Message) Result {
	out := make([]*storage.Message, len(messages), len(messages)+1)
	copy(out, messages)
	tail := cloneMessage(incoming)
	out = append(out, tail)
	return Result{Messages: out, Inserted: []*storage.Message{tail}}
}

// callIdentifier extracts the matching key of a tool-call style message:
// tool_call uses callId, codex_tool_call uses toolCallId, and acp_tool_call
// nests it inside the update object.
func callIdentifier(m *storage.Message) string {
	content := decodeObject(m.Content)
	if content == nil {
		return ""
	}
	switch m.Type {
	case storage.MessageTypeToolCall:
		return stringField(content, "callId")
	case storage.MessageTypeCodexToolCall:
		return stringField(content, "toolCallId")
	case storage.MessageTypeACPToolCall:
		if update, ok := content["update"].(map[string]any); ok {
			return stringField(update, "toolCallId")
		}
	}
	return ""
}

// mergeContent shallow-merges the incoming content object over the existing
// one. For acp_tool_call the nested update object is merged one level deep so
// a partial update does not wipe earlier fields.
func mergeContent(existing, incoming *storage.Message) json.RawMessage {
	oldContent := decodeObject(existing.Content)
	newContent := decodeObject(incoming.Content)
	if oldContent == nil || newContent == nil {
		return incoming.Content
	}

	merged := shallowMerge(oldContent, newContent)
	if existing.Type == storage.MessageTypeACPToolCall {
		oldUpdate, okOld := oldContent["update"].(map[string]any)
		newUpdate, okNew := newContent["update"].(map[string]any)
		if okOld && okNew {
			merged["update"] = shallowMerge(oldUpdate, newUpdate)
		}
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return incoming.Content
	}
	return raw
}

// shallowMerge returns a new map with newer fields layered over older ones.
func shallowMerge(older, newer map[string]any) map[string]any {
	merged := make(map[string]any, len(older)+len(newer))
	for k, v := range older {
		merged[k] = v
	}
	for k, v := range newer {
		merged[k] = v
	}
	return merged
}

func cloneMessage(m *storage.Message) *storage.Message {
	cp := *m
	return &cp
}

func decodeObject(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func decodeItems(raw json.RawMessage) []map[string]any {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func encodeItems(items []map[string]any) json.RawMessage {
	raw, err := json.Marshal(items)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}

func findItem(items []map[string]any, callID string) map[string]any {
	if callID == "" {
		return nil
	}
	for _, item := range items {
		if stringField(item, "callId") == callID {
			return item
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
