package bridge

import (
	"context"
	"os"

	ws "github.com/agentdesk/agentdesk/pkg/websocket"
)

func (b *Bridge) handleSystemInfo(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ok(msg, b.cfg.SystemInfo())
}

type updateSystemInfoRequest struct {
	WorkDir string `json:"workDir,omitempty"`
}

// handleUpdateSystemInfo adjusts the mutable parts of the host environment.
// Currently only the working directory can change; the refreshed snapshot is
// returned.
func (b *Bridge) handleUpdateSystemInfo(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req updateSystemInfoRequest
	if err := msg.ParsePayload(&req); err != nil {
		return fail(msg, "invalid payload: "+err.Error())
	}

	if req.WorkDir != "" {
		info, err := os.Stat(req.WorkDir)
		if err != nil || !info.IsDir() {
			return fail(msg, "work dir does not exist: "+req.WorkDir)
		}
		if err := os.Chdir(req.WorkDir); err != nil {
			return fail(msg, "failed to change work dir: "+err.Error())
		}
	}
	return ok(msg, b.cfg.SystemInfo())
}
