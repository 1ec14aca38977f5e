package mcp

import (
	"context"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/tracing"
)

const detectAttempts = 3

// removeScopes are tried in order; the tools report "not found" when the
// server lives in another scope, which counts as removed.
var removeScopes = []string{"local", "user", "project"}

// commandRunner executes one CLI invocation and returns its combined output.
// Swapped out by tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// CLISource drives one external tool's `mcp` subcommands (claude, codex,
// gemini all share the surface shape).
type CLISource struct {
	tool          string
	cliPath       string
	queue         *opQueue
	run           commandRunner
	tester        ConnectionTester
	detectTimeout time.Duration
	logger        *logger.Logger
}

var _ Source = (*CLISource)(nil)

func NewCLISource(tool, cliPath string, tester ConnectionTester, cfg *config.MCPConfig, log *logger.Logger) *CLISource {
	return &CLISource{
		tool:          tool,
		cliPath:       cliPath,
		queue:         newOpQueue(),
		run:           execRunner,
		tester:        tester,
		detectTimeout: cfg.DetectTimeout(),
		logger:        log.WithFields(zap.String("mcp_source", tool)),
	}
}

func (s *CLISource) Name() string { return s.tool }

func (s *CLISource) executable() string {
	if s.cliPath != "" {
		return s.cliPath
	}
	return s.tool
}

// Detect lists the tool's configured servers and probes the connected ones
// for their tool inventory.
func (s *CLISource) Detect(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := s.queue.Do(ctx, func() error {
		ctx, span := tracing.TraceMCPDetect(ctx, s.tool)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.detectTimeout)
		defer cancel()

		var err error
		servers, err = s.detect(ctx)
		tracing.RecordResult(span, err)
		return err
	})
	if err != nil {
		// On a context expiry the queued op may still be running; never hand
		// out the slice it writes to.
		return nil, err
	}
	return servers, nil
}

func (s *CLISource) detect(ctx context.Context) ([]Server, error) {
	var lastErr error
	for attempt := 1; attempt <= detectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := s.run(ctx, s.executable(), "mcp", "list")
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.Transportf("%s mcp list: %v", s.tool, ctx.Err())
			}
			lastErr = errs.Transportf("%s mcp list: %v: %s", s.tool, err, strings.TrimSpace(out))
			continue
		}

		entries := parseList(out)
		if len(entries) == 0 {
			if listIsEmpty(out) {
				return nil, nil
			}
			// Output arrived but no line parsed: the tools occasionally
			// truncate under load, so try again.
			lastErr = errs.Protocolf("%s mcp list: truncated output", s.tool)
			s.logger.Warn("mcp list output truncated, retrying", zap.Int("attempt", attempt))
			continue
		}

		servers := make([]Server, 0, len(entries))
		for _, e := range entries {
			srv := entryServer(s.tool, e)
			if e.connected {
				s.probeTools(ctx, &srv)
			}
			servers = append(servers, srv)
		}
		return servers, nil
	}
	return nil, lastErr
}

func (s *CLISource) probeTools(ctx context.Context, srv *Server) {
	res := s.tester.TestConnection(ctx, *srv)
	if !res.Success {
		s.logger.Debug("server probe failed",
			zap.String("server", srv.Name), zap.String("error", res.Error))
		return
	}
	srv.Tools = res.Tools
}

// Install adds the servers one at a time. A failed or unsupported server
// never aborts the rest of the batch.
func (s *CLISource) Install(ctx context.Context, servers []Server) []InstallOutcome {
	var outcomes []InstallOutcome
	err := s.queue.Do(ctx, func() error {
		res := make([]InstallOutcome, 0, len(servers))
		for _, srv := range servers {
			res = append(res, s.installOne(ctx, srv))
		}
		outcomes = res
		return nil
	})
	if err != nil {
		failed := make([]InstallOutcome, len(servers))
		for i, srv := range servers {
			failed[i] = InstallOutcome{Server: srv.Name, Error: err.Error()}
		}
		return failed
	}
	return outcomes
}

func (s *CLISource) installOne(ctx context.Context, srv Server) InstallOutcome {
	args, ok := addArgs(srv)
	if !ok {
		s.logger.Warn("skipping server with unsupported transport",
			zap.String("server", srv.Name), zap.String("transport", srv.Transport))
		return InstallOutcome{Server: srv.Name, Skipped: true, Error: "unsupported transport: " + srv.Transport}
	}
	out, err := s.run(ctx, s.executable(), args...)
	if err != nil {
		return InstallOutcome{Server: srv.Name, Error: strings.TrimSpace(out + " " + err.Error())}
	}
	return InstallOutcome{Server: srv.Name, Success: true}
}

// addArgs builds the `mcp add` invocation for one server.
func addArgs(srv Server) ([]string, bool) {
	switch srv.Transport {
	case TransportStdio:
		if srv.Command == "" {
			return nil, false
		}
		args := []string{"mcp", "add", srv.Name}
		for _, k := range sortedKeys(srv.Env) {
			args = append(args, "-e", k+"="+srv.Env[k])
		}
		args = append(args, "--", srv.Command)
		return append(args, srv.Args...), true
	case TransportSSE, TransportHTTP, TransportStreamableHTTP:
		if srv.URL == "" {
			return nil, false
		}
		transport := srv.Transport
		if transport == TransportStreamableHTTP {
			transport = TransportHTTP
		}
		args := []string{"mcp", "add", "--transport", transport, srv.Name, srv.URL}
		for _, k := range sortedKeys(srv.Headers) {
			args = append(args, "--header", k+": "+srv.Headers[k])
		}
		return args, true
	default:
		return nil, false
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Remove deletes the server from the tool's config, walking the scopes until
// one succeeds. A server the tool does not know counts as removed.
func (s *CLISource) Remove(ctx context.Context, name string) error {
	return s.queue.Do(ctx, func() error {
		var lastErr error
		for _, scope := range removeScopes {
			out, err := s.run(ctx, s.executable(), "mcp", "remove", "--scope", scope, name)
			if err == nil || notFoundOutput(out) {
				return nil
			}
			if ctx.Err() != nil {
				return errs.Transportf("%s mcp remove %s: %v", s.tool, name, ctx.Err())
			}
			lastErr = errs.Transportf("%s mcp remove %s (scope %s): %v: %s",
				s.tool, name, scope, err, strings.TrimSpace(out))
		}
		return lastErr
	})
}

func notFoundOutput(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no mcp server")
}

func (s *CLISource) TestConnection(ctx context.Context, srv Server) TestResult {
	return s.tester.TestConnection(ctx, srv)
}

// Close drains the source's queue.
func (s *CLISource) Close() {
	s.queue.Close()
}
