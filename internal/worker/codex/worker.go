// Package codex implements the subprocess worker variant speaking the Codex
// app-server protocol over line-delimited JSON-RPC.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/tracing"
	"github.com/agentdesk/agentdesk/internal/worker"
	"github.com/agentdesk/agentdesk/pkg/codex"
)

// defaultCommand is the agent executable when the conversation carries no
// cliPath override.
const defaultCommand = "codex"

// Worker drives one Codex subprocess for one conversation.
type Worker struct {
	conversationID string
	workspace      string

	client  *codex.Client
	proc    *exec.Cmd
	emitter *worker.Emitter
	logger  *logger.Logger

	mu         sync.Mutex
	status     worker.Status
	threadID   string
	turnMsgID  string
	cancelTurn context.CancelFunc
	// pending maps callId → the channel the blocked approval request reads
	// its decision from.
	pending map[string]chan string
	// output accumulates command output per callId so every tool update
	// carries the full aggregate, not just the delta.
	output map[string]string
}

var _ worker.Worker = (*Worker)(nil)

// New spawns the Codex subprocess in app-server mode and performs the
// protocol handshake.
func New(ctx context.Context, conv *storage.Conversation, emitter *worker.Emitter, log *logger.Logger) (*Worker, error) {
	command := conv.Extra.CLIPath
	if command == "" {
		command = defaultCommand
	}
	cmd := exec.Command(command, "app-server")
	cmd.Dir = conv.Extra.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Transportf("failed to open codex stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Transportf("failed to open codex stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Transportf("failed to start codex agent %q: %v", command, err)
	}

	w, err := NewFromStreams(ctx, conv, stdin, stdout, emitter, log)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	w.proc = cmd
	go func() { _ = cmd.Wait() }()
	return w, nil
}

// NewFromStreams builds a worker over an existing stdio pair. Used directly
// by tests; New wires it to a spawned subprocess.
func NewFromStreams(ctx context.Context, conv *storage.Conversation, stdin io.Writer, stdout io.Reader, emitter *worker.Emitter, log *logger.Logger) (*Worker, error) {
	w := &Worker{
		conversationID: conv.ID,
		workspace:      conv.Extra.Workspace,
		emitter:        emitter,
		status:         worker.StatusIdle,
		pending:        make(map[string]chan string),
		output:         make(map[string]string),
		logger: log.WithConversationID(conv.ID).
			WithFields(zap.String("worker", "codex")),
	}
	w.client = codex.NewClient(stdin, stdout, log)
	w.client.OnNotification(w.handleNotification)
	w.client.OnRequest(w.handleRequest)
	w.client.OnFatal(w.handleFatal)
	w.client.Start(context.Background())

	if err := w.handshake(ctx); err != nil {
		w.client.Stop()
		return nil, err
	}
	return w, nil
}

func (w *Worker) handshake(ctx context.Context) error {
	if _, err := w.client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: codex.ClientInfo{Name: "agentdesk", Version: "1.0.0"},
	}); err != nil {
		return errs.Protocolf("codex initialize failed: %v", err)
	}

	var result codex.NewConversationResult
	err := w.client.CallInto(ctx, codex.MethodNewConversation, codex.NewConversationParams{
		Cwd:            w.workspace,
		ApprovalPolicy: "on-request",
		Sandbox:        "workspace-write",
	}, &result)
	if err != nil {
		return errs.Protocolf("codex newConversation failed: %v", err)
	}

	w.mu.Lock()
	w.threadID = result.ConversationID
	w.mu.Unlock()
	return nil
}

func (w *Worker) Type() worker.Type { return worker.TypeCodex }

func (w *Worker) Workspace() string { return w.workspace }

func (w *Worker) Status() worker.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SendMessage submits one turn to the agent. Returns once the agent accepted
// the message; completion arrives as a task_complete event.
func (w *Worker) SendMessage(ctx context.Context, req worker.SendRequest) error {
	w.mu.Lock()
	switch w.status {
	case worker.StatusClosed, worker.StatusError:
		w.mu.Unlock()
		return fmt.Errorf("conversation %s: codex worker unavailable", w.conversationID)
	case worker.StatusBusy:
		w.mu.Unlock()
		return errs.ErrBusy
	}
	msgID := req.MsgID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	w.status = worker.StatusBusy
	w.turnMsgID = msgID
	w.cancelTurn = cancel
	threadID := w.threadID
	w.mu.Unlock()

	_, span := tracing.TraceTurn(turnCtx, w.conversationID, string(worker.TypeCodex), msgID)
	defer span.End()

	if err := w.emitter.Emit(ctx, worker.Event{
		Type:           worker.EventUserContent,
		Data:           req.Input,
		MsgID:          uuid.New().String(),
		ConversationID: w.conversationID,
	}); err != nil {
		w.endTurn(worker.StatusIdle)
		return err
	}

	items := []codex.UserMessageItem{{Type: "text", Text: req.Input}}
	for _, f := range req.Files {
		items = append(items, codex.UserMessageItem{Type: "image", Path: f})
	}
	_, err := w.client.Call(ctx, codex.MethodSendUserMessage, codex.SendUserMessageParams{
		ConversationID: threadID,
		Items:          items,
	})
	if err != nil {
		tracing.RecordResult(span, err)
		w.emitError(fmt.Sprintf("failed to send message: %v", err))
		w.endTurn(worker.StatusIdle)
		return errs.Transportf("codex sendUserMessage failed: %v", err)
	}
	return nil
}

// ConfirmMessage resolves a pending approval request by callId.
func (w *Worker) ConfirmMessage(_ context.Context, req worker.ConfirmRequest) error {
	w.mu.Lock()
	ch, ok := w.pending[req.CallID]
	if ok {
		delete(w.pending, req.CallID)
	}
	w.mu.Unlock()
	if !ok {
		return errs.NotFoundf("no pending approval for call %s", req.CallID)
	}

	ch <- decisionFor(req.ConfirmKey)
	return nil
}

func decisionFor(confirmKey string) string {
	switch confirmKey {
	case "allow":
		return codex.DecisionApproved
	case "allow_always":
		return codex.DecisionApprovedForSession
	default:
		return codex.DecisionDenied
	}
}

// Stop interrupts the in-flight turn. Pending approval prompts resolve as
// denial so the agent is never left hanging.
func (w *Worker) Stop() {
	w.mu.Lock()
	threadID := w.threadID
	cancel := w.cancelTurn
	busy := w.status == worker.StatusBusy
	pending := w.pending
	w.pending = make(map[string]chan string)
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- codex.DecisionAbort
	}
	if busy {
		ctx, cancelInterrupt := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelInterrupt()
		if _, err := w.client.Call(ctx, codex.MethodInterruptConversation,
			codex.InterruptConversationParams{ConversationID: threadID}); err != nil {
			w.logger.Warn("failed to interrupt turn", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
}

// ReloadContext is integrated-only.
func (w *Worker) ReloadContext(context.Context) error {
	return errs.ErrUnsupported
}

// Close terminates the client and the subprocess.
func (w *Worker) Close() error {
	w.Stop()
	w.mu.Lock()
	w.status = worker.StatusClosed
	w.mu.Unlock()
	w.client.Stop()
	if w.proc != nil && w.proc.Process != nil {
		_ = w.proc.Process.Kill()
	}
	return nil
}

func (w *Worker) endTurn(status worker.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == worker.StatusClosed || w.status == worker.StatusError {
		return
	}
	w.status = status
	w.turnMsgID = ""
	w.cancelTurn = nil
}

func (w *Worker) currentMsgID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.turnMsgID
}

func (w *Worker) emit(ev worker.Event) {
	ev.ConversationID = w.conversationID
	if err := w.emitter.Emit(context.Background(), ev); err != nil {
		w.logger.Error("failed to emit event",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

func (w *Worker) emitError(message string) {
	w.emit(worker.Event{Type: worker.EventError, Data: message, MsgID: w.currentMsgID()})
}

// handleFatal runs once when the protocol stream breaks. Framing corruption
// and subprocess death both land here: the worker is dropped.
func (w *Worker) handleFatal(err error) {
	w.mu.Lock()
	alreadyDown := w.status == worker.StatusClosed || w.status == worker.StatusError
	if !alreadyDown {
		w.status = worker.StatusError
	}
	pending := w.pending
	w.pending = make(map[string]chan string)
	w.mu.Unlock()

	for _, ch := range pending {
		ch <- codex.DecisionAbort
	}
	if alreadyDown {
		return
	}

	w.logger.Error("codex transport lost", zap.Error(err))
	w.emitError("codex agent disconnected: " + err.Error())
	w.emit(worker.Event{
		Type: worker.EventAgentStatus,
		Data: storage.AgentStatusContent{Backend: "codex", Status: "disconnected"},
	})
}

// handleRequest answers approval requests from the agent. It blocks until
// ConfirmMessage resolves the prompt, so it runs off the read loop.
func (w *Worker) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *codex.Error) {
	switch method {
	case codex.MethodExecCommandApproval, codex.MethodApplyPatchApproval:
	default:
		return nil, &codex.Error{Code: codex.CodeMethodNotFound, Message: "method not found"}
	}

	var p codex.ApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &codex.Error{Code: codex.CodeInvalidParams, Message: err.Error()}
	}

	ch := make(chan string, 1)
	w.mu.Lock()
	w.pending[p.CallID] = ch
	w.mu.Unlock()

	w.emit(worker.Event{
		Type:  worker.EventCodexPermission,
		MsgID: w.currentMsgID(),
		Data: map[string]any{
			"callId":  p.CallID,
			"kind":    approvalKind(method),
			"command": p.Command,
			"path":    p.Path,
			"diff":    p.Diff,
			"reason":  p.Reason,
			"options": []string{"allow", "allow_always", "deny"},
		},
	})

	select {
	case decision := <-ch:
		return codex.ApprovalResponse{Decision: decision}, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, p.CallID)
		w.mu.Unlock()
		return codex.ApprovalResponse{Decision: codex.DecisionAbort}, nil
	}
}

func approvalKind(method string) string {
	if method == codex.MethodApplyPatchApproval {
		return "patch_apply"
	}
	return "exec_command"
}
