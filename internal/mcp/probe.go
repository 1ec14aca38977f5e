package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpspec "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Prober opens a short-lived transport-specific client against one server,
// lists its tools, and closes.
type Prober struct {
	timeout    time.Duration
	httpClient *http.Client
	// cleanNpmCache repairs the package-manager cache after an ENOTEMPTY
	// failure from an npx-launched stdio server.
	cleanNpmCache func(ctx context.Context) error
	logger        *logger.Logger
}

var _ ConnectionTester = (*Prober)(nil)

func NewProber(cfg *config.MCPConfig, log *logger.Logger) *Prober {
	return &Prober{
		timeout:       cfg.ProbeTimeout(),
		httpClient:    &http.Client{},
		cleanNpmCache: cleanNpmCache,
		logger:        log.WithFields(zap.String("component", "mcp_prober")),
	}
}

func (p *Prober) TestConnection(ctx context.Context, srv Server) TestResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch srv.Transport {
	case TransportStdio:
		return p.probeStdio(ctx, srv)
	case TransportSSE:
		return p.probeSSE(ctx, srv)
	case TransportHTTP:
		return p.probeHTTP(ctx, srv)
	case TransportStreamableHTTP:
		return p.probeStreamable(ctx, srv)
	default:
		return TestResult{Error: "unsupported transport: " + srv.Transport}
	}
}

func (p *Prober) probeStdio(ctx context.Context, srv Server) TestResult {
	res := p.stdioOnce(ctx, srv)
	if !res.Success && strings.Contains(res.Error, "ENOTEMPTY") {
		// Known npm cache corruption signature: repair once and retry.
		p.logger.Warn("stdio probe hit ENOTEMPTY, cleaning npm cache",
			zap.String("server", srv.Name))
		if err := p.cleanNpmCache(ctx); err != nil {
			p.logger.Warn("npm cache clean failed", zap.Error(err))
			return res
		}
		res = p.stdioOnce(ctx, srv)
	}
	return res
}

func (p *Prober) stdioOnce(ctx context.Context, srv Server) TestResult {
	env := make([]string, 0, len(srv.Env))
	for _, k := range sortedKeys(srv.Env) {
		env = append(env, k+"="+srv.Env[k])
	}
	c, err := mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	defer c.Close()
	return p.listTools(ctx, c)
}

func (p *Prober) probeSSE(ctx context.Context, srv Server) TestResult {
	if res, needsAuth := p.preflight(ctx, srv); needsAuth {
		return res
	}
	c, err := mcpclient.NewSSEMCPClient(srv.URL,
		mcptransport.WithHTTPClient(p.httpClient))
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		return TestResult{Error: err.Error()}
	}
	return p.listTools(ctx, c)
}

// preflight detects auth-gated SSE endpoints before the protocol client
// obscures the HTTP status.
func (p *Prober) preflight(ctx context.Context, srv Server) (TestResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		return TestResult{}, false
	}
	for k, v := range srv.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return TestResult{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		wa := resp.Header.Get("WWW-Authenticate")
		return TestResult{
			NeedsAuth:       true,
			AuthMethod:      authMethod(wa),
			WWWAuthenticate: wa,
			Error:           "authentication required",
		}, true
	}
	return TestResult{}, false
}

func authMethod(wwwAuthenticate string) string {
	fields := strings.Fields(wwwAuthenticate)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// probeHTTP speaks plain JSON-RPC over POST: one initialize, one tools/list,
// no session management.
func (p *Prober) probeHTTP(ctx context.Context, srv Server) TestResult {
	_, err := p.postRPC(ctx, srv, 1, "initialize", map[string]any{
		"protocolVersion": mcpspec.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "agentdesk", "version": "1.0.0"},
	})
	if err != nil {
		if auth, ok := err.(*authRequiredError); ok {
			return TestResult{
				NeedsAuth:       true,
				AuthMethod:      authMethod(auth.wwwAuthenticate),
				WWWAuthenticate: auth.wwwAuthenticate,
				Error:           "authentication required",
			}
		}
		return TestResult{Error: err.Error()}
	}

	raw, err := p.postRPC(ctx, srv, 2, "tools/list", map[string]any{})
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	var listed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return TestResult{Error: "malformed tools/list response: " + err.Error()}
	}
	return TestResult{Success: true, Tools: listed.Tools}
}

func (p *Prober) probeStreamable(ctx context.Context, srv Server) TestResult {
	c, err := mcpclient.NewStreamableHttpClient(srv.URL,
		mcptransport.WithHTTPTimeout(p.timeout),
		mcptransport.WithHTTPBasicClient(p.httpClient))
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		return TestResult{Error: err.Error()}
	}
	return p.listTools(ctx, c)
}

func (p *Prober) listTools(ctx context.Context, c *mcpclient.Client) TestResult {
	_, err := c.Initialize(ctx, mcpspec.InitializeRequest{
		Params: mcpspec.InitializeParams{
			ProtocolVersion: mcpspec.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpspec.Implementation{
				Name:    "agentdesk",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	listed, err := c.ListTools(ctx, mcpspec.ListToolsRequest{})
	if err != nil {
		return TestResult{Error: err.Error()}
	}
	tools := make([]Tool, len(listed.Tools))
	for i, t := range listed.Tools {
		tools[i] = Tool{Name: t.Name, Description: t.Description}
	}
	return TestResult{Success: true, Tools: tools}
}

type authRequiredError struct {
	wwwAuthenticate string
}

func (e *authRequiredError) Error() string { return "authentication required" }

func (p *Prober) postRPC(ctx context.Context, srv Server, id int, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range srv.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &authRequiredError{wwwAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var rpc struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return nil, fmt.Errorf("malformed %s response: %w", method, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("%s failed: %s (code %d)", method, rpc.Error.Message, rpc.Error.Code)
	}
	return rpc.Result, nil
}

func cleanNpmCache(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "npm", "cache", "clean", "--force").CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm cache clean: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
