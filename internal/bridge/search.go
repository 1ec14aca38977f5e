package bridge

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

// maxSearchResults caps one search's result list; anything beyond is
// reported as truncated.
const maxSearchResults = 200

// skipDirs are directory names never descended into during workspace search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	"dist":         true,
	"target":       true,
}

// SearchResult is the payload published for a finished workspace search.
type SearchResult struct {
	Root      string   `json:"root"`
	Keyword   string   `json:"keyword"`
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated,omitempty"`
}

// workspaceSearch runs at most one file search at a time; starting a new one
// aborts the previous. Aborted searches publish nothing.
type workspaceSearch struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newWorkspaceSearch(eventBus bus.EventBus, log *logger.Logger) *workspaceSearch {
	return &workspaceSearch{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "workspace_search")),
	}
}

// Start launches a search over root, aborting any search still running.
func (s *workspaceSearch) Start(root, keyword, conversationID string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, root, keyword, conversationID)
}

// Abort cancels the in-flight search, if any.
func (s *workspaceSearch) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *workspaceSearch) run(ctx context.Context, root, keyword, conversationID string) {
	result := SearchResult{Root: root, Keyword: keyword, Files: []string{}}
	needle := strings.ToLower(keyword)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if needle != "" && !strings.Contains(strings.ToLower(d.Name()), needle) {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		result.Files = append(result.Files, rel)
		if len(result.Files) >= maxSearchResults {
			result.Truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if ctx.Err() != nil {
		// Superseded by a newer search; stay silent.
		return
	}
	if err != nil {
		s.logger.Warn("workspace search failed",
			zap.String("root", root), zap.Error(err))
		return
	}

	ev, err := bus.NewEvent("workspace_search", conversationID, "", result)
	if err != nil {
		s.logger.Error("failed to build search event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, bus.WorkspaceSearchSubject, ev); err != nil {
		s.logger.Warn("failed to publish search result", zap.Error(err))
	}
}
