// Package bridge registers the action handlers behind the WebSocket gateway:
// the conversation, database, mcp, and system channel families, plus the
// bus-to-gateway forwarding of streamed events.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/mcp"
	"github.com/agentdesk/agentdesk/internal/storage"
	"github.com/agentdesk/agentdesk/internal/worker"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

// Broadcaster pushes a notification to every connected gateway client.
// Implemented by the gateway hub.
type Broadcaster interface {
	Broadcast(msg *ws.Message)
}

// Bridge adapts the internal services to the request/reply protocol. Every
// handler answers with a Reply envelope: failures are data, not transport
// errors.
type Bridge struct {
	cfg     *config.Config
	repo    *storage.Repository
	legacy  *storage.BackfillSource
	manager *worker.Manager
	mux     *mcp.Multiplexer
	bus     bus.EventBus
	hub     Broadcaster
	search  *workspaceSearch
	logger  *logger.Logger

	subs []bus.Subscription
}

// New creates a bridge over the given services. legacy may be nil when no
// JSON-era history exists.
func New(cfg *config.Config, repo *storage.Repository, legacy *storage.BackfillSource,
	manager *worker.Manager, mux *mcp.Multiplexer, eventBus bus.EventBus,
	hub Broadcaster, log *logger.Logger) *Bridge {
	l := log.WithFields(zap.String("component", "bridge"))
	return &Bridge{
		cfg:     cfg,
		repo:    repo,
		legacy:  legacy,
		manager: manager,
		mux:     mux,
		bus:     eventBus,
		hub:     hub,
		search:  newWorkspaceSearch(eventBus, l),
		logger:  l,
	}
}

// RegisterHandlers binds every bridge action on the dispatcher.
func (b *Bridge) RegisterHandlers(d *ws.Dispatcher) {
	// conversation family
	d.RegisterFunc(ws.ActionConversationCreate, b.handleCreate)
	d.RegisterFunc(ws.ActionConversationCreateWith, b.handleCreateWithConversation)
	d.RegisterFunc(ws.ActionConversationGet, b.handleGet)
	d.RegisterFunc(ws.ActionConversationGetAssociate, b.handleGetAssociate)
	d.RegisterFunc(ws.ActionConversationRemove, b.handleRemove)
	d.RegisterFunc(ws.ActionConversationUpdate, b.handleUpdate)
	d.RegisterFunc(ws.ActionConversationReset, b.handleReset)
	d.RegisterFunc(ws.ActionConversationStop, b.handleStop)
	d.RegisterFunc(ws.ActionConversationSendMessage, b.handleSendMessage)
	d.RegisterFunc(ws.ActionConversationConfirmMessage, b.handleConfirmMessage)
	d.RegisterFunc(ws.ActionConversationGetWorkspace, b.handleGetWorkspace)
	d.RegisterFunc(ws.ActionConversationReloadContext, b.handleReloadContext)

	// database family
	d.RegisterFunc(ws.ActionDatabaseGetConversationMessages, b.handleGetConversationMessages)
	d.RegisterFunc(ws.ActionDatabaseGetUserConversations, b.handleGetUserConversations)

	// mcp family
	d.RegisterFunc(ws.ActionMcpGetAgentConfigs, b.handleGetAgentMcpConfigs)
	d.RegisterFunc(ws.ActionMcpTestConnection, b.handleTestMcpConnection)
	d.RegisterFunc(ws.ActionMcpSyncToAgents, b.handleSyncMcpToAgents)
	d.RegisterFunc(ws.ActionMcpRemoveFromAgents, b.handleRemoveMcpFromAgents)

	// system family
	d.RegisterFunc(ws.ActionSystemInfo, b.handleSystemInfo)
	d.RegisterFunc(ws.ActionSystemUpdateInfo, b.handleUpdateSystemInfo)
}

// Start wires bus subjects to gateway notifications: conversation stream
// events become responseStream frames, workspace search results become
// responseSearchWorkSpace frames.
func (b *Bridge) Start() error {
	streamSub, err := b.bus.Subscribe(bus.AllConversationsSubject, func(ctx context.Context, ev *bus.Event) error {
		b.forward(ws.ActionResponseStream, ev)
		return nil
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, streamSub)

	searchSub, err := b.bus.Subscribe(bus.WorkspaceSearchSubject, func(ctx context.Context, ev *bus.Event) error {
		b.forward(ws.ActionResponseSearchWorkSpace, ev)
		return nil
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, searchSub)
	return nil
}

// Close stops the bus forwarding and any in-flight workspace search.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.search.Abort()
}

func (b *Bridge) forward(action string, ev *bus.Event) {
	msg, err := ws.NewNotification(action, ev)
	if err != nil {
		b.logger.Error("failed to build notification",
			zap.String("action", action), zap.Error(err))
		return
	}
	b.hub.Broadcast(msg)
}

// ok answers a request with a successful Reply.
func ok(msg *ws.Message, data any) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, ws.Reply{Success: true, Data: data})
}

// fail answers a request with a failed Reply. Service errors travel inside
// the envelope so the gateway never drops the correlation id.
func fail(msg *ws.Message, reason string) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, ws.Reply{Success: false, Msg: reason})
}
