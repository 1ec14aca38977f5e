package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const claudeListOutput = "Checking MCP server health...\n" +
	"\n" +
	"filesystem: npx -y @modelcontextprotocol/server-filesystem /tmp - \x1b[32m✓ Connected\x1b[0m\n" +
	"linear: https://mcp.linear.app/sse (SSE) - \x1b[32m✓ Connected\x1b[0m\n" +
	"api: https://api.example.com/mcp (HTTP) - \x1b[31m✗ Failed to connect\x1b[0m\n"

func TestParseListClaudeOutput(t *testing.T) {
	entries := parseList(claudeListOutput)
	require.Len(t, entries, 3)

	assert.Equal(t, "filesystem", entries[0].name)
	assert.True(t, entries[0].connected)
	assert.Equal(t, "linear", entries[1].name)
	assert.True(t, entries[1].connected)
	assert.Equal(t, "api", entries[2].name)
	assert.False(t, entries[2].connected, "Failed to connect is not connected")
}

func TestParseListSkipsProse(t *testing.T) {
	out := "Checking MCP server health...\n\nNote: run with --debug for details\n"
	assert.Empty(t, parseList(out), "header and prose lines carry no server")
}

func TestEntryServerTransportInference(t *testing.T) {
	entries := parseList(claudeListOutput)

	fs := entryServer("claude", entries[0])
	assert.Equal(t, TransportStdio, fs.Transport)
	assert.Equal(t, "npx", fs.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, fs.Args)
	assert.Equal(t, StatusConnected, fs.Status)
	assert.Equal(t, "claude/filesystem", fs.ID)
	assert.True(t, fs.Enabled)

	sse := entryServer("claude", entries[1])
	assert.Equal(t, TransportSSE, sse.Transport)
	assert.Equal(t, "https://mcp.linear.app/sse", sse.URL)

	httpSrv := entryServer("claude", entries[2])
	assert.Equal(t, TransportHTTP, httpSrv.Transport)
	assert.Equal(t, "https://api.example.com/mcp", httpSrv.URL)
	assert.Equal(t, StatusFailed, httpSrv.Status)
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "✓ Connected", stripANSI("\x1b[32m✓ Connected\x1b[0m"))
	assert.Equal(t, "plain", stripANSI("plain"))
}

func TestListIsEmpty(t *testing.T) {
	assert.True(t, listIsEmpty("No MCP servers configured. Run `claude mcp add` to add one.\n"))
	assert.True(t, listIsEmpty("  \n"))
	assert.False(t, listIsEmpty(claudeListOutput))
}
