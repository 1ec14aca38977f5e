package bridge

import (
	"context"

	"github.com/agentdesk/agentdesk/internal/mcp"
	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

type agentsRequest struct {
	Agents []string `json:"agents"`
}

func (b *Bridge) handleGetAgentMcpConfigs(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req agentsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	configs, err := b.mux.GetAgentMcpConfigs(ctx, req.Agents)
	if err != nil {
		return fail(msg, err.Error())
	}
	return ok(msg, configs)
}

type testConnectionRequest struct {
	Server mcp.Server `json:"server"`
}

// handleTestMcpConnection probes one server configuration. The probe outcome
// (including auth-required failures) is data, so the outer reply always
// succeeds when the probe could run.
func (b *Bridge) handleTestMcpConnection(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req testConnectionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	if req.Server.Name == "" {
		return fail(msg, "server name is required")
	}
	return ok(msg, b.mux.TestConnection(ctx, req.Server))
}

type syncRequest struct {
	Servers []mcp.Server `json:"servers"`
	Agents  []string     `json:"agents"`
}

func (b *Bridge) handleSyncMcpToAgents(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req syncRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	return ok(msg, b.mux.SyncMcpToAgents(ctx, req.Servers, req.Agents))
}

type removeRequest struct {
	Name   string   `json:"name"`
	Agents []string `json:"agents"`
}

func (b *Bridge) handleRemoveMcpFromAgents(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req removeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}
	if req.Name == "" {
		return fail(msg, "server name is required")
	}
	return ok(msg, b.mux.RemoveMcpFromAgents(ctx, req.Name, req.Agents))
}
