package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func newTestLocalSource(t *testing.T) *LocalSource {
	t.Helper()
	s := NewLocalSource(filepath.Join(t.TempDir(), "mcp.json"), &stubTester{}, logger.Default())
	t.Cleanup(s.Close)
	return s
}

func TestLocalDetectMissingFileIsEmpty(t *testing.T) {
	s := newTestLocalSource(t)
	servers, err := s.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestLocalInstallThenDetect(t *testing.T) {
	s := newTestLocalSource(t)
	ctx := context.Background()

	outcomes := s.Install(ctx, []Server{
		{Name: "fs", Transport: TransportStdio, Command: "npx", Enabled: true},
		{Name: "api", Transport: TransportHTTP, URL: "https://api.example.com/mcp", Enabled: true},
	})
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)

	servers, err := s.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "fs", servers[0].Name)
}

func TestLocalInstallReplacesByName(t *testing.T) {
	s := newTestLocalSource(t)
	ctx := context.Background()

	s.Install(ctx, []Server{{Name: "fs", Transport: TransportStdio, Command: "npx"}})
	s.Install(ctx, []Server{{Name: "fs", Transport: TransportStdio, Command: "bunx"}})

	servers, err := s.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "bunx", servers[0].Command)
}

func TestLocalRemoveLeavesRegistryUntouched(t *testing.T) {
	s := newTestLocalSource(t)
	ctx := context.Background()

	s.Install(ctx, []Server{{Name: "fs", Transport: TransportStdio, Command: "npx"}})
	require.NoError(t, s.Remove(ctx, "fs"), "remove reports success")

	servers, err := s.Detect(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1, "the UI owns the registry; remove never mutates it")
}

func TestLocalCorruptRegistrySurfacesError(t *testing.T) {
	s := newTestLocalSource(t)
	require.NoError(t, os.WriteFile(s.path, []byte("{not json"), 0o644))

	_, err := s.Detect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}
