package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func newTestProber(t *testing.T) *Prober {
	t.Helper()
	p := NewProber(&config.MCPConfig{DetectTimeoutSec: 30, ProbeTimeoutSec: 5}, logger.Default())
	p.cleanNpmCache = func(context.Context) error { return nil }
	return p
}

func TestHTTPProbeListsTools(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		methods = append(methods, req.Method)

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2025-03-26", "capabilities": map[string]any{}}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "read_file", "description": "Read a file"},
				{"name": "write_file"},
			}}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer srv.Close()

	res := newTestProber(t).TestConnection(context.Background(),
		Server{Name: "api", Transport: TransportHTTP, URL: srv.URL})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"initialize", "tools/list"}, methods)
	require.Len(t, res.Tools, 2)
	assert.Equal(t, Tool{Name: "read_file", Description: "Read a file"}, res.Tools[0])
}

func TestHTTPProbeReportsAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://auth.example.com"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := newTestProber(t).TestConnection(context.Background(),
		Server{Name: "api", Transport: TransportHTTP, URL: srv.URL})

	assert.False(t, res.Success)
	assert.True(t, res.NeedsAuth)
	assert.Equal(t, "bearer", res.AuthMethod)
	assert.Contains(t, res.WWWAuthenticate, "resource_metadata")
}

func TestHTTPProbeSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
	}))
	defer srv.Close()

	res := newTestProber(t).TestConnection(context.Background(),
		Server{Name: "api", Transport: TransportHTTP, URL: srv.URL})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "method not found")
}

func TestSSEPreflightDetectsAuthGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "Basic realm=mcp")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := newTestProber(t).TestConnection(context.Background(),
		Server{Name: "sse", Transport: TransportSSE, URL: srv.URL})

	assert.True(t, res.NeedsAuth)
	assert.Equal(t, "basic", res.AuthMethod)
	assert.Equal(t, "Basic realm=mcp", res.WWWAuthenticate)
}

func TestPreflightForwardsHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	newTestProber(t).TestConnection(context.Background(), Server{
		Name: "sse", Transport: TransportSSE, URL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer stale-token"},
	})
	assert.Equal(t, "Bearer stale-token", gotAuth)
}

func TestUnsupportedTransport(t *testing.T) {
	res := newTestProber(t).TestConnection(context.Background(),
		Server{Name: "x", Transport: "smoke-signals"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported transport")
}
