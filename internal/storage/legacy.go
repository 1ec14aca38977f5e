package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// LegacyStore reads the pre-SQLite JSON state: a conversations.json index
// plus one history file per conversation. It exists only as a one-time lazy
// migration source. SQL is authoritative; JSON-only records are backfilled on
// first read and the read path never deletes or rewrites JSON files.
type LegacyStore struct {
	dataDir string
	logger  *logger.Logger
}

// NewLegacyStore creates a reader over the legacy JSON layout under dataDir.
func NewLegacyStore(dataDir string, log *logger.Logger) *LegacyStore {
	return &LegacyStore{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "legacy_store")),
	}
}

func (s *LegacyStore) indexPath() string {
	return filepath.Join(s.dataDir, "conversations.json")
}

func (s *LegacyStore) historyPath(conversationID string) string {
	return filepath.Join(s.dataDir, "history", conversationID+".json")
}

// LoadConversation returns the legacy record for one conversation, or
// ErrNotFound when neither the index nor the record exists.
func (s *LegacyStore) LoadConversation(conversationID string) (*Conversation, error) {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFoundf("legacy conversation %s", conversationID)
		}
		return nil, fmt.Errorf("failed to read legacy index: %w", err)
	}

	var conversations []*Conversation
	if err := json.Unmarshal(raw, &conversations); err != nil {
		return nil, fmt.Errorf("failed to parse legacy index: %w", err)
	}
	for _, c := range conversations {
		if c.ID == conversationID {
			return c, nil
		}
	}
	return nil, errs.NotFoundf("legacy conversation %s", conversationID)
}

// LoadMessages returns the legacy message log of a conversation. A missing
// history file yields an empty slice, not an error: the index may know
// conversations that never produced messages.
func (s *LegacyStore) LoadMessages(conversationID string) ([]*Message, error) {
	raw, err := os.ReadFile(s.historyPath(conversationID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read legacy history: %w", err)
	}

	var messages []*Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse legacy history %s: %w", conversationID, err)
	}
	return messages, nil
}

// BackfillSource binds a LegacyStore to its SQL target so callers can recover
// a conversation in one call without carrying both halves.
type BackfillSource struct {
	legacy *LegacyStore
	repo   *Repository
}

// NewBackfillSource creates a one-call recovery source over legacy JSON state.
func NewBackfillSource(legacy *LegacyStore, repo *Repository) *BackfillSource {
	return &BackfillSource{legacy: legacy, repo: repo}
}

// Backfill migrates one conversation from JSON into SQL and returns it.
func (b *BackfillSource) Backfill(ctx context.Context, conversationID string) (*Conversation, error) {
	return b.legacy.Backfill(ctx, b.repo, conversationID)
}

// Backfill copies a legacy conversation and its messages into the SQL store.
// Rows that already exist in SQL win; the JSON files stay on disk untouched.
func (s *LegacyStore) Backfill(ctx context.Context, repo *Repository, conversationID string) (*Conversation, error) {
	legacy, err := s.LoadConversation(conversationID)
	if err != nil {
		return nil, err
	}

	if existing, err := repo.GetConversation(ctx, conversationID); err == nil {
		// SQL already has it; nothing to migrate.
		return existing, nil
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	if err := repo.CreateConversation(ctx, legacy); err != nil {
		return nil, fmt.Errorf("failed to backfill conversation %s: %w", conversationID, err)
	}

	messages, err := s.LoadMessages(conversationID)
	if err != nil {
		return nil, err
	}
	migrated := 0
	for _, m := range messages {
		m.ConversationID = conversationID
		if err := repo.InsertMessage(ctx, m); err != nil {
			s.logger.Warn("failed to backfill legacy message",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", m.ID),
				zap.Error(err))
			continue
		}
		migrated++
	}
	s.logger.Info("backfilled legacy conversation",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", migrated))
	return legacy, nil
}
