// Package mcp multiplexes MCP server configuration across several external
// CLI tools and one in-process registry.
package mcp

import (
	"context"
	"time"
)

// Transport flavors a server can speak.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportHTTP           = "http"
	TransportStreamableHTTP = "streamable_http"
)

// Server connection status as reported by detection.
const (
	StatusConnected = "connected"
	StatusFailed    = "failed"
)

// Tool is one capability an MCP server exposes.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Server is one MCP server record as seen by a source.
type Server struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Tools     []Tool            `json:"tools,omitempty"`
	Enabled   bool              `json:"enabled"`
	Status    string            `json:"status"`
	// Description is free-form server metadata carried through unchanged.
	Description string `json:"description,omitempty"`
	// OriginalJSON preserves the source's raw representation so nothing is
	// lost round-tripping through our record shape.
	OriginalJSON string    `json:"originalJson,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TestResult is the outcome of probing one server.
type TestResult struct {
	Success         bool   `json:"success"`
	Tools           []Tool `json:"tools,omitempty"`
	Error           string `json:"error,omitempty"`
	NeedsAuth       bool   `json:"needsAuth,omitempty"`
	AuthMethod      string `json:"authMethod,omitempty"`
	WWWAuthenticate string `json:"wwwAuthenticate,omitempty"`
}

// InstallOutcome is the per-server result of an install batch.
type InstallOutcome struct {
	Server  string `json:"server"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentConfig is one agent's detected server list.
type AgentConfig struct {
	Agent   string   `json:"agent"`
	Servers []Server `json:"servers"`
}

// AgentOutcome is one agent's result of a sync batch.
type AgentOutcome struct {
	Agent    string           `json:"agent"`
	Outcomes []InstallOutcome `json:"outcomes,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// RemoveOutcome is one agent's result of a remove fan-out.
type RemoveOutcome struct {
	Agent   string `json:"agent"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConnectionTester probes a single server over its transport.
type ConnectionTester interface {
	TestConnection(ctx context.Context, srv Server) TestResult
}

// Source is one MCP config surface: an external CLI tool or the in-process
// registry.
type Source interface {
	Name() string
	Detect(ctx context.Context) ([]Server, error)
	Install(ctx context.Context, servers []Server) []InstallOutcome
	Remove(ctx context.Context, name string) error
	TestConnection(ctx context.Context, srv Server) TestResult
}
