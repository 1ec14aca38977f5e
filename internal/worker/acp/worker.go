package acp

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/tracing"
	"github.com/agentdesk/agentdesk/internal/worker"
)

// Connection state machine. Transitions always emit an agent_status event so
// the UI can show where the handshake is.
const (
	stateConnecting    = "connecting"
	stateConnected     = "connected"
	stateAuthenticated = "authenticated"
	stateSessionActive = "session_active"
	stateDisconnected  = "disconnected"
	stateError         = "error"
)

// backendCommands maps the backend selector to its launch command when the
// conversation carries no cliPath override.
var backendCommands = map[string][]string{
	"gemini": {"gemini", "--experimental-acp"},
	"claude": {"claude-code-acp"},
}

// pendingPrompt is one unanswered permission request.
type pendingPrompt struct {
	answer  chan string
	options []acp.PermissionOption
}

// Worker drives one ACP subprocess for one conversation.
type Worker struct {
	conversationID string
	workspace      string
	backend        string

	conn    *acp.ClientSideConnection
	proc    *exec.Cmd
	emitter *worker.Emitter
	logger  *logger.Logger

	mu         sync.Mutex
	state      string
	status     worker.Status
	sessionID  string
	turnMsgID  string
	cancelTurn context.CancelFunc
	pending    map[string]*pendingPrompt
}

var _ worker.Worker = (*Worker)(nil)

// New spawns the agent subprocess for the conversation's backend and runs
// the connect → initialize → new-session handshake.
func New(ctx context.Context, conv *storage.Conversation, emitter *worker.Emitter, log *logger.Logger) (*Worker, error) {
	argv := backendCommands[conv.Extra.Backend]
	if conv.Extra.CLIPath != "" {
		// Override the executable, keep the backend's flags.
		if len(argv) > 1 {
			argv = append([]string{conv.Extra.CLIPath}, argv[1:]...)
		} else {
			argv = []string{conv.Extra.CLIPath}
		}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("no agent command for backend %q", conv.Extra.Backend)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = conv.Extra.Workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Transportf("failed to open agent stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Transportf("failed to open agent stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Transportf("failed to start agent %q: %v", argv[0], err)
	}

	w, err := NewFromStreams(ctx, conv, stdin, stdout, emitter, log)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	w.proc = cmd
	go w.watchProcess(cmd)
	return w, nil
}

// NewFromStreams builds a worker over an existing stdio pair. Used directly
// by tests; New wires it to a spawned subprocess.
func NewFromStreams(ctx context.Context, conv *storage.Conversation, stdin io.Writer, stdout io.Reader, emitter *worker.Emitter, log *logger.Logger) (*Worker, error) {
	w := &Worker{
		conversationID: conv.ID,
		workspace:      conv.Extra.Workspace,
		backend:        conv.Extra.Backend,
		emitter:        emitter,
		status:         worker.StatusIdle,
		state:          stateConnecting,
		pending:        make(map[string]*pendingPrompt),
		logger: log.WithConversationID(conv.ID).
			WithFields(zap.String("worker", "acp"), zap.String("backend", conv.Extra.Backend)),
	}
	w.emitState(stateConnecting)

	c := newClient(w.workspace, w.handleUpdate, w.handlePermission, log)
	w.conn = acp.NewClientSideConnection(c, stdin, stdout)

	if err := w.handshake(ctx); err != nil {
		w.setState(stateError)
		w.emitState(stateError)
		return nil, err
	}
	return w, nil
}

func (w *Worker) handshake(ctx context.Context) error {
	resp, err := w.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "agentdesk",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return errs.Protocolf("acp initialize failed: %v", err)
	}
	w.setState(stateConnected)
	w.emitState(stateConnected)
	if resp.AgentInfo != nil {
		w.logger.Info("agent connected",
			zap.String("agent", resp.AgentInfo.Name),
			zap.String("version", resp.AgentInfo.Version))
	}

	// The local backends authenticate out of band (CLI login); a successful
	// initialize means credentials are in place.
	w.setState(stateAuthenticated)
	w.emitState(stateAuthenticated)

	session, err := w.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        w.workspace,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return errs.Protocolf("acp session setup failed: %v", err)
	}

	w.mu.Lock()
	w.sessionID = string(session.SessionId)
	w.mu.Unlock()
	w.setState(stateSessionActive)
	w.emitState(stateSessionActive)
	return nil
}

// watchProcess turns subprocess death into a disconnected state. Sends are
// rejected until the manager rebuilds the worker.
func (w *Worker) watchProcess(cmd *exec.Cmd) {
	err := cmd.Wait()

	w.mu.Lock()
	closed := w.status == worker.StatusClosed
	if !closed {
		w.state = stateDisconnected
		w.status = worker.StatusError
	}
	pending := w.pending
	w.pending = make(map[string]*pendingPrompt)
	w.mu.Unlock()

	for _, p := range pending {
		close(p.answer)
	}
	if closed {
		return
	}

	w.logger.Warn("agent subprocess exited", zap.Error(err))
	w.emitState(stateDisconnected)
	w.emit(worker.Event{
		Type: worker.EventError,
		Data: "agent subprocess exited unexpectedly",
	})
}

func (w *Worker) Type() worker.Type { return worker.TypeACP }

func (w *Worker) Workspace() string { return w.workspace }

func (w *Worker) Status() worker.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// State returns the connection state. Exposed for the bridge's status
// queries.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SendMessage submits one prompt turn. The blocking Prompt call runs in the
// background; completion emits finish.
func (w *Worker) SendMessage(ctx context.Context, req worker.SendRequest) error {
	w.mu.Lock()
	if w.state != stateSessionActive {
		state := w.state
		w.mu.Unlock()
		return errs.Transportf("agent not ready (state %s)", state)
	}
	if w.status == worker.StatusBusy {
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
	sessionID := w.sessionID
	w.mu.Unlock()

	if err := w.emitter.Emit(ctx, worker.Event{
		Type:           worker.EventUserContent,
		Data:           req.Input,
		MsgID:          uuid.New().String(),
		ConversationID: w.conversationID,
	}); err != nil {
		w.endTurn()
		return err
	}

	go w.runTurn(turnCtx, sessionID, req.Input, msgID)
	return nil
}

func (w *Worker) runTurn(ctx context.Context, sessionID, input, msgID string) {
	ctx, span := tracing.TraceTurn(ctx, w.conversationID, string(worker.TypeACP), msgID)
	var turnErr error
	defer func() { tracing.RecordResult(span, turnErr); span.End() }()

	w.emit(worker.Event{Type: worker.EventStart, MsgID: msgID})

	_, err := w.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(input)},
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		turnErr = ctx.Err()
		w.logger.Info("turn canceled", zap.String("msg_id", msgID))
	default:
		turnErr = err
		w.emit(worker.Event{Type: worker.EventError, Data: err.Error(), MsgID: msgID})
	}

	w.emit(worker.Event{Type: worker.EventFinish, MsgID: msgID})
	w.endTurn()
}

// ConfirmMessage resolves a pending permission prompt. The confirm key is
// matched against the option kinds the agent offered; an exact option id
// also works.
func (w *Worker) ConfirmMessage(_ context.Context, req worker.ConfirmRequest) error {
	w.mu.Lock()
	p, ok := w.pending[req.CallID]
	if ok {
		delete(w.pending, req.CallID)
	}
	w.mu.Unlock()
	if !ok {
		return errs.NotFoundf("no pending permission for call %s", req.CallID)
	}

	p.answer <- selectOption(p.options, req.ConfirmKey)
	return nil
}

// selectOption maps a confirm key onto the agent's offered options. An
// unknown key denies: never grant on garbage input.
func selectOption(options []acp.PermissionOption, confirmKey string) string {
	kindWanted := map[string]string{
		"allow":        "allow_once",
		"allow_always": "allow_always",
		"deny":         "reject_once",
		"deny_always":  "reject_always",
	}[confirmKey]

	for _, opt := range options {
		if string(opt.OptionId) == confirmKey {
			return string(opt.OptionId)
		}
		if kindWanted != "" && string(opt.Kind) == kindWanted {
			return string(opt.OptionId)
		}
	}
	// Fall back to any rejecting option, else the first one.
	for _, opt := range options {
		if string(opt.Kind) == "reject_once" || string(opt.Kind) == "reject_always" {
			return string(opt.OptionId)
		}
	}
	return string(options[0].OptionId)
}

// Stop cancels the in-flight turn and resolves pending prompts as
// cancellation.
func (w *Worker) Stop() {
	w.mu.Lock()
	sessionID := w.sessionID
	cancel := w.cancelTurn
	busy := w.status == worker.StatusBusy
	pending := w.pending
	w.pending = make(map[string]*pendingPrompt)
	w.mu.Unlock()

	for _, p := range pending {
		close(p.answer)
	}
	if busy {
		ctx, cancelNotify := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelNotify()
		if err := w.conn.Cancel(ctx, acp.CancelNotification{
			SessionId: acp.SessionId(sessionID),
		}); err != nil {
			w.logger.Warn("failed to send cancel", zap.Error(err))
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

// Close terminates the subprocess and marks the worker unusable.
func (w *Worker) Close() error {
	w.Stop()
	w.mu.Lock()
	w.status = worker.StatusClosed
	w.state = stateDisconnected
	w.mu.Unlock()
	if w.proc != nil && w.proc.Process != nil {
		_ = w.proc.Process.Kill()
	}
	return nil
}

func (w *Worker) endTurn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == worker.StatusClosed || w.state == stateDisconnected || w.state == stateError {
		return
	}
	w.status = worker.StatusIdle
	w.turnMsgID = ""
	w.cancelTurn = nil
}

func (w *Worker) currentMsgID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.turnMsgID
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) emitState(state string) {
	w.emit(worker.Event{
		Type: worker.EventAgentStatus,
		Data: storage.AgentStatusContent{Backend: w.backend, Status: state},
	})
}

func (w *Worker) emit(ev worker.Event) {
	ev.ConversationID = w.conversationID
	if err := w.emitter.Emit(context.Background(), ev); err != nil {
		w.logger.Error("failed to emit event",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

// handlePermission surfaces the agent's prompt as an acp_permission event
// and blocks until ConfirmMessage answers it. A canceled context or a torn
// down worker resolves as cancellation.
func (w *Worker) handlePermission(ctx context.Context, req acp.RequestPermissionRequest) (string, bool) {
	callID := string(req.ToolCall.ToolCallId)
	prompt := &pendingPrompt{
		answer:  make(chan string, 1),
		options: req.Options,
	}
	w.mu.Lock()
	w.pending[callID] = prompt
	w.mu.Unlock()

	title := ""
	if req.ToolCall.Title != nil {
		title = *req.ToolCall.Title
	}
	options := make([]map[string]any, len(req.Options))
	for i, opt := range req.Options {
		options[i] = map[string]any{
			"optionId": string(opt.OptionId),
			"name":     opt.Name,
			"kind":     string(opt.Kind),
		}
	}
	w.emit(worker.Event{
		Type:  worker.EventACPPermission,
		MsgID: w.currentMsgID(),
		Data: map[string]any{
			"callId":  callID,
			"title":   title,
			"options": options,
		},
	})

	select {
	case optionID, ok := <-prompt.answer:
		if !ok || optionID == "" {
			return "", false
		}
		return optionID, true
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, callID)
		w.mu.Unlock()
		return "", false
	}
}
