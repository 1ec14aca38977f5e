package mcp

import (
	"context"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Multiplexer presents one API over every configured MCP source. Aggregated
// calls fan out in parallel; each source still serializes its own operations
// through its queue.
type Multiplexer struct {
	sources  map[string]Source
	tester   ConnectionTester
	lookPath func(string) (string, error)
	logger   *logger.Logger
}

func NewMultiplexer(tester ConnectionTester, log *logger.Logger, sources ...Source) *Multiplexer {
	m := &Multiplexer{
		sources:  make(map[string]Source, len(sources)),
		tester:   tester,
		lookPath: exec.LookPath,
		logger:   log.WithFields(zap.String("component", "mcp_multiplexer")),
	}
	for _, src := range sources {
		m.sources[src.Name()] = src
	}
	return m
}

// DefaultSources builds the standard source set: the claude, codex, and
// gemini CLIs plus the local registry.
func DefaultSources(cfg *config.Config, log *logger.Logger) (*Prober, []Source) {
	prober := NewProber(&cfg.MCP, log)
	return prober, []Source{
		NewCLISource("claude", cfg.Agents.ClaudePath, prober, &cfg.MCP, log),
		NewCLISource("codex", cfg.Agents.CodexPath, prober, &cfg.MCP, log),
		NewCLISource("gemini", cfg.Agents.ACPBackends["gemini"], prober, &cfg.MCP, log),
		NewLocalSource(filepath.Join(cfg.Database.DataDir, "mcp.json"), prober, log),
	}
}

// sourceFor maps an agent name to its backing source. The integrated agent
// reads the local registry.
func (m *Multiplexer) sourceFor(agent string) Source {
	if agent == "integrated" {
		return m.sources["local"]
	}
	return m.sources[agent]
}

// GetAgentMcpConfigs detects every agent's servers in parallel and returns
// the non-empty results. A failing source is logged and skipped, never
// aborting the others.
func (m *Multiplexer) GetAgentMcpConfigs(ctx context.Context, agents []string) ([]AgentConfig, error) {
	targets := m.expandAgents(agents)

	g, ctx := errgroup.WithContext(ctx)
	results := make([][]Server, len(targets))
	for i, agent := range targets {
		g.Go(func() error {
			src := m.sourceFor(agent)
			if src == nil {
				m.logger.Warn("unknown mcp agent requested", zap.String("agent", agent))
				return nil
			}
			servers, err := src.Detect(ctx)
			if err != nil {
				m.logger.Warn("mcp detect failed",
					zap.String("agent", agent), zap.Error(err))
				return nil
			}
			results[i] = servers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	configs := make([]AgentConfig, 0, len(targets))
	for i, agent := range targets {
		if len(results[i]) == 0 {
			continue
		}
		configs = append(configs, AgentConfig{Agent: agent, Servers: results[i]})
	}
	return configs, nil
}

// expandAgents adds the claude CLI as an extra detection target when the
// integrated agent is requested and claude exists in PATH: its config is the
// closest thing the host has to a user-curated server list.
func (m *Multiplexer) expandAgents(agents []string) []string {
	targets := make([]string, 0, len(agents)+1)
	integrated := false
	hasClaude := false
	for _, agent := range agents {
		targets = append(targets, agent)
		switch agent {
		case "integrated":
			integrated = true
		case "claude":
			hasClaude = true
		}
	}
	if integrated && !hasClaude {
		if _, err := m.lookPath("claude"); err == nil {
			targets = append(targets, "claude")
		}
	}
	return targets
}

// SyncMcpToAgents installs the enabled servers on every agent in parallel.
func (m *Multiplexer) SyncMcpToAgents(ctx context.Context, servers []Server, agents []string) []AgentOutcome {
	enabled := make([]Server, 0, len(servers))
	for _, srv := range servers {
		if srv.Enabled {
			enabled = append(enabled, srv)
		}
	}

	var g errgroup.Group
	outcomes := make([]AgentOutcome, len(agents))
	for i, agent := range agents {
		g.Go(func() error {
			src := m.sourceFor(agent)
			if src == nil {
				outcomes[i] = AgentOutcome{Agent: agent, Error: "unknown agent"}
				return nil
			}
			outcomes[i] = AgentOutcome{Agent: agent, Outcomes: src.Install(ctx, enabled)}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// RemoveMcpFromAgents removes one server from every agent in parallel.
func (m *Multiplexer) RemoveMcpFromAgents(ctx context.Context, name string, agents []string) []RemoveOutcome {
	var g errgroup.Group
	outcomes := make([]RemoveOutcome, len(agents))
	for i, agent := range agents {
		g.Go(func() error {
			src := m.sourceFor(agent)
			if src == nil {
				outcomes[i] = RemoveOutcome{Agent: agent, Error: "unknown agent"}
				return nil
			}
			if err := src.Remove(ctx, name); err != nil {
				outcomes[i] = RemoveOutcome{Agent: agent, Error: err.Error()}
				return nil
			}
			outcomes[i] = RemoveOutcome{Agent: agent, Success: true}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// TestConnection probes one server directly, without going through a source
// queue.
func (m *Multiplexer) TestConnection(ctx context.Context, srv Server) TestResult {
	return m.tester.TestConnection(ctx, srv)
}

// Close drains every source's operation queue.
func (m *Multiplexer) Close() {
	for _, src := range m.sources {
		if c, ok := src.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
