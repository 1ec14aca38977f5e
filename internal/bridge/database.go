package bridge

import (
	"context"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/storage"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

type getMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Page           int    `json:"page"`
	PageSize       int    `json:"pageSize"`
}

// handleGetConversationMessages pages through a conversation's message log.
// A conversation that only exists as legacy JSON history is backfilled into
// SQL on first read.
func (b *Bridge) handleGetConversationMessages(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req getMessagesRequest
	if err := msg.ParsePayload(&req); err != nil || req.ConversationID == "" {
		return fail(msg, "conversation id is required")
	}

	if b.legacy != nil {
		if _, err := b.repo.GetConversation(ctx, req.ConversationID); errs.IsNotFound(err) {
			if _, err := b.legacy.Backfill(ctx, req.ConversationID); err != nil && !errs.IsNotFound(err) {
				return fail(msg, err.Error())
			}
		}
	}

	page, err := b.repo.GetConversationMessages(ctx, req.ConversationID, req.Page, req.PageSize)
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, page)
}

type getConversationsRequest struct {
	UserID   string `json:"userId,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

func (b *Bridge) handleGetUserConversations(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req getConversationsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	if req.UserID == "" {
		req.UserID = storage.SystemUserID
	}

	page, err := b.repo.GetUserConversations(ctx, req.UserID, req.Page, req.PageSize)
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, page)
}
