package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// LocalSource is the in-process registry backing the integrated agent. It
// persists a JSON blob under the data directory. The UI owns this blob:
// Remove intentionally leaves it untouched.
type LocalSource struct {
	path   string
	queue  *opQueue
	tester ConnectionTester
	logger *logger.Logger
}

var _ Source = (*LocalSource)(nil)

func NewLocalSource(path string, tester ConnectionTester, log *logger.Logger) *LocalSource {
	return &LocalSource{
		path:   path,
		queue:  newOpQueue(),
		tester: tester,
		logger: log.WithFields(zap.String("mcp_source", "local")),
	}
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) Detect(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := s.queue.Do(ctx, func() error {
		var err error
		servers, err = s.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// Install merges the servers into the blob by name, newer records replacing
// older ones.
func (s *LocalSource) Install(ctx context.Context, servers []Server) []InstallOutcome {
	var outcomes []InstallOutcome
	err := s.queue.Do(ctx, func() error {
		existing, err := s.load()
		if err != nil {
			return err
		}
		byName := make(map[string]int, len(existing))
		for i, srv := range existing {
			byName[srv.Name] = i
		}
		for _, srv := range servers {
			if i, ok := byName[srv.Name]; ok {
				existing[i] = srv
			} else {
				byName[srv.Name] = len(existing)
				existing = append(existing, srv)
			}
		}
		if err := s.save(existing); err != nil {
			return err
		}
		res := make([]InstallOutcome, len(servers))
		for i, srv := range servers {
			res[i] = InstallOutcome{Server: srv.Name, Success: true}
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

// Remove is a no-op returning success: the UI owns the local registry and
// deletes entries itself.
func (s *LocalSource) Remove(context.Context, string) error {
	return nil
}

func (s *LocalSource) TestConnection(ctx context.Context, srv Server) TestResult {
	return s.tester.TestConnection(ctx, srv)
}

func (s *LocalSource) Close() {
	s.queue.Close()
}

func (s *LocalSource) load() ([]Server, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storagef("failed to read mcp registry: %v", err)
	}
	var servers []Server
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, errs.Storagef("corrupt mcp registry %s: %v", s.path, err)
	}
	return servers, nil
}

func (s *LocalSource) save(servers []Server) error {
	raw, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return errs.Storagef("failed to encode mcp registry: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Storagef("failed to create mcp registry dir: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.Storagef("failed to write mcp registry: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.Storagef("failed to replace mcp registry: %v", err)
	}
	return nil
}
