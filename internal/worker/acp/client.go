// Package acp implements the subprocess worker variant speaking the
// Agent-Client Protocol via coder/acp-go-sdk.
package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// permissionFunc resolves one permission prompt. It blocks until the user
// answers and returns the selected option id, or ok=false for cancellation.
type permissionFunc func(ctx context.Context, req acp.RequestPermissionRequest) (optionID string, ok bool)

// updateFunc receives every session/update notification.
type updateFunc func(n acp.SessionNotification)

// client is the agent-facing half of the connection: it answers the agent's
// file, terminal, and permission requests. File access is confined to the
// conversation's workspace.
type client struct {
	workspace    string
	onUpdate     updateFunc
	onPermission permissionFunc
	logger       *logger.Logger
}

var _ acp.Client = (*client)(nil)

func newClient(workspace string, onUpdate updateFunc, onPermission permissionFunc, log *logger.Logger) *client {
	return &client{
		workspace:    workspace,
		onUpdate:     onUpdate,
		onPermission: onPermission,
		logger:       log.WithFields(zap.String("component", "acp_client")),
	}
}

// RequestPermission forwards the prompt to the worker and converts the
// answer to the wire outcome. No answer means cancelled, never denied-by-
// default: the agent decides how to proceed.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return cancelledPermission(), nil
	}

	optionID, ok := c.onPermission(ctx, p)
	if !ok {
		return cancelledPermission(), nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(optionID),
			},
		},
	}, nil
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate forwards stream notifications to the worker.
func (c *client) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	c.onUpdate(n)
	return nil
}

// ReadTextFile serves the agent's file reads, restricted to the workspace.
func (c *client) ReadTextFile(_ context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if err := c.insideWorkspace(p.Path); err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	content := string(raw)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves the agent's file writes, restricted to the workspace.
func (c *client) WriteTextFile(_ context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if err := c.insideWorkspace(p.Path); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

func (c *client) insideWorkspace(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	rel, err := filepath.Rel(c.workspace, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes workspace: %s", path)
	}
	return nil
}

// Terminal support is declined: agents fall back to their own exec tooling,
// which surfaces as ordinary tool calls.

func (c *client) CreateTerminal(_ context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminals are not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminals are not supported")
}

func (c *client) TerminalOutput(_ context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminals are not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(_ context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminals are not supported")
}
