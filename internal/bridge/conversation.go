package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/worker"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

type createRequest struct {
	ID    string                    `json:"id,omitempty"`
	Name  string                    `json:"name"`
	Type  storage.ConversationType  `json:"type"`
	Extra storage.ConversationExtra `json:"extra"`
	Model json.RawMessage           `json:"model,omitempty"`
}

type createWithConversationRequest struct {
	createRequest
	// SourceConversationID names an existing conversation whose message log
	// is migrated into the new one.
	SourceConversationID string `json:"sourceConversationId,omitempty"`
}

func (b *Bridge) handleCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req createRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	conv, err := b.createConversation(ctx, req)
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, conv)
}

// handleCreateWithConversation creates a conversation and optionally migrates
// an existing conversation's messages into it. The source is deleted only
// when the moved message count matches; on mismatch it is kept and the
// inconsistency is reported alongside the new conversation.
func (b *Bridge) handleCreateWithConversation(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req createWithConversationRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}

	conv, err := b.createConversation(ctx, req.createRequest)
	if err != nil {
		return fail(msg, err.Error())
	}
	if req.SourceConversationID == "" {
		return ok(msg, conv)
	}

	warning, err := b.migrateMessages(ctx, req.SourceConversationID, conv.ID)
	if err != nil {
		return fail(msg, err.Error())
	}
	resp := ws.Reply{Success: true, Data: conv, Msg: warning}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (b *Bridge) createConversation(ctx context.Context, req createRequest) (*storage.Conversation, error) {
	if req.Type == "" {
		req.Type = storage.ConversationTypeIntegrated
	}
	conv := &storage.Conversation{
		ID:    req.ID,
		Name:  req.Name,
		Type:  req.Type,
		Extra: req.Extra,
		Model: req.Model,
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if err := b.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// migrateMessages moves the source conversation's log to the target and
// returns a non-empty warning when the counts disagree and the source was
// kept.
func (b *Bridge) migrateMessages(ctx context.Context, sourceID, targetID string) (string, error) {
	want, err := b.repo.CountConversationMessages(ctx, sourceID)
	if err != nil {
		return "", err
	}

	// The source worker must not keep writing rows mid-move.
	b.manager.Kill(ctx, sourceID)

	if _, err := b.repo.ReassignConversationMessages(ctx, sourceID, targetID); err != nil {
		return "", err
	}
	got, err := b.repo.CountConversationMessages(ctx, targetID)
	if err != nil {
		return "", err
	}

	if got != want {
		warning := fmt.Sprintf("source conversation kept: moved %d of %d messages", got, want)
		b.logger.Warn("message migration count mismatch",
			zap.String("source", sourceID), zap.String("target", targetID),
			zap.Int("want", want), zap.Int("got", got))
		return warning, nil
	}

	if err := b.repo.DeleteConversation(ctx, sourceID); err != nil && !errs.IsNotFound(err) {
		return "", err
	}
	return "", nil
}

type idRequest struct {
	ID string `json:"id"`
}

func (b *Bridge) handleGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req idRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	conv, err := b.repo.GetConversation(ctx, req.ID)
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, conv)
}

type associateRequest struct {
	Workspace string `json:"workspace"`
}

// handleGetAssociate finds the most recent conversation bound to a workspace
// path, so the shell can reattach instead of creating a duplicate.
func (b *Bridge) handleGetAssociate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req associateRequest
	if err := msg.ParsePayload(&req); err != nil || req.Workspace == "" {
		return fail(msg, "workspace is required")
	}
	conv, err := b.repo.GetConversationByWorkspace(ctx, req.Workspace)
	if err != nil {
		if errs.IsNotFound(err) {
			return ok(msg, nil)
		}
		return fail(msg, err.Error())
	}
	return ok(msg, conv)
}

func (b *Bridge) handleRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req idRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	b.manager.Kill(ctx, req.ID)
	if err := b.repo.DeleteConversation(ctx, req.ID); err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, nil)
}

type updateRequest struct {
	ID     string                      `json:"id"`
	Name   *string                     `json:"name,omitempty"`
	Extra  *storage.ConversationExtra  `json:"extra,omitempty"`
	Model  json.RawMessage             `json:"model,omitempty"`
	Status *storage.ConversationStatus `json:"status,omitempty"`
}

// handleUpdate applies a partial conversation update. Incoming extra fields
// merge over the stored blob rather than replacing it. A changed model blob
// kills the worker; the next send rebuilds it with the new config.
func (b *Bridge) handleUpdate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req updateRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}

	existing, err := b.repo.GetConversation(ctx, req.ID)
	if err != nil {
		return fail(msg, err.Error())
	}

	patch := storage.ConversationPatch{
		Name:   req.Name,
		Status: req.Status,
	}
	if req.Extra != nil {
		merged := mergeExtra(existing.Extra, *req.Extra)
		patch.Extra = &merged
	}
	modelChanged := len(req.Model) > 0 && worker.ModelChanged(existing.Model, req.Model)
	if len(req.Model) > 0 {
		patch.Model = req.Model
	}

	updated, err := b.repo.UpdateConversation(ctx, req.ID, patch)
	if err != nil {
		return fail(msg, err.Error())
	}
	if modelChanged {
		b.manager.Kill(ctx, req.ID)
	}
	return ok(msg, updated)
}

// mergeExtra overlays the non-zero fields of incoming onto base. The
// workspace is deliberately NOT merged: it is immutable after creation.
func mergeExtra(base, incoming storage.ConversationExtra) storage.ConversationExtra {
	merged := base
	if incoming.Rules != "" {
		merged.Rules = incoming.Rules
	}
	if incoming.Skills != nil {
		merged.Skills = incoming.Skills
	}
	if incoming.Context != "" {
		merged.Context = incoming.Context
	}
	if incoming.Backend != "" {
		merged.Backend = incoming.Backend
	}
	if incoming.CLIPath != "" {
		merged.CLIPath = incoming.CLIPath
	}
	return merged
}

// handleReset tears a worker down so the next send rebuilds it fresh. Without
// an id, every registered worker is torn down.
func (b *Bridge) handleReset(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req idRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	if req.ID == "" {
		b.manager.Clear(ctx)
	} else {
		b.manager.Kill(ctx, req.ID)
	}
	return ok(msg, nil)
}

func (b *Bridge) handleStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req idRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	if w := b.manager.GetTaskByID(req.ID); w != nil {
		w.Stop()
	}
	return ok(msg, nil)
}

type sendMessageRequest struct {
	ID        string   `json:"id"`
	Input     string   `json:"input"`
	MsgID     string   `json:"msg_id"`
	Files     []string `json:"files,omitempty"`
	LoadingID string   `json:"loading_id,omitempty"`
}

func (b *Bridge) handleSendMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req sendMessageRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	w, err := b.manager.GetTaskByIDRollbackBuild(ctx, req.ID)
	if err != nil {
		return fail(msg, err.Error())
	}
	if w == nil {
		return fail(msg, "conversation "+req.ID+" not found")
	}

	err = w.SendMessage(ctx, worker.SendRequest{
		Input:     req.Input,
		MsgID:     req.MsgID,
		Files:     req.Files,
		LoadingID: req.LoadingID,
	})
	if errs.IsBusy(err) {
		return fail(msg, "agent is busy with a previous message")
	}
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, nil)
}

type confirmMessageRequest struct {
	ID         string `json:"id"`
	ConfirmKey string `json:"confirmKey"`
	MsgID      string `json:"msg_id"`
	CallID     string `json:"callId"`
}

func (b *Bridge) handleConfirmMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req confirmMessageRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	w := b.manager.GetTaskByID(req.ID)
	if w == nil {
		return fail(msg, "no running agent for conversation "+req.ID)
	}
	err := w.ConfirmMessage(ctx, worker.ConfirmRequest{
		ConfirmKey: req.ConfirmKey,
		MsgID:      req.MsgID,
		CallID:     req.CallID,
	})
	if errs.IsNotFound(err) {
		return fail(msg, "no pending confirmation for call "+req.CallID)
	}
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, nil)
}

type getWorkspaceRequest struct {
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// handleGetWorkspace starts an asynchronous file search over the workspace.
// Results arrive as responseSearchWorkSpace notifications; a new search
// aborts the previous one.
func (b *Bridge) handleGetWorkspace(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req getWorkspaceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}

	root := req.Path
	if root == "" && req.ID != "" {
		conv, err := b.repo.GetConversation(ctx, req.ID)
		if err != nil {
			return fail(msg, err.Error())
		}
		root = conv.Extra.Workspace
	}
	if root == "" {
		return fail(msg, "workspace path is required")
	}

	b.search.Start(root, req.Keyword, req.ID)
	return ok(msg, nil)
}

func (b *Bridge) handleReloadContext(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req idRequest
	if err := msg.ParsePayload(&req); err != nil || req.ID == "" {
		return fail(msg, "conversation id is required")
	}
	w, err := b.manager.GetTaskByIDRollbackBuild(ctx, req.ID)
	if err != nil {
		return fail(msg, err.Error())
	}
	if w == nil {
		return fail(msg, "conversation "+req.ID+" not found")
	}
	if err := w.ReloadContext(ctx); err != nil {
		if errors.Is(err, errs.ErrUnsupported) {
			return fail(msg, "context reload is not supported for "+string(w.Type())+" agents")
		}
		return fail(msg, err.Error())
	}
	return ok(msg, nil)
}
