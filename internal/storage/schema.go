package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/tracing"
)

// migration is one schema step. Up must be idempotent (IF NOT EXISTS) so a
// re-run at the current version is a no-op. Down is documented but never
// executed automatically.
type migration struct {
	version int
	up      []string
	down    []string
}

// migrations are applied in ascending order inside a single transaction.
// PRAGMA user_version tracks the current schema version.
var migrations = []migration{
	{
		version: 1,
		up: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT 'system',
				name TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL,
				extra TEXT NOT NULL DEFAULT '{}',
				model TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				msg_id TEXT,
				type TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '{}',
				position TEXT NOT NULL DEFAULT 'left',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP NOT NULL
			)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS messages`,
			`DROP TABLE IF EXISTS conversations`,
			`DROP TABLE IF EXISTS users`,
		},
	},
	{
		version: 2,
		up: []string{
			`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated
				ON conversations(user_id, updated_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
				ON messages(conversation_id, created_at ASC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation_msgid
				ON messages(conversation_id, msg_id)`,
		},
		down: []string{
			`DROP INDEX IF EXISTS idx_messages_conversation_msgid`,
			`DROP INDEX IF EXISTS idx_messages_conversation_created`,
			`DROP INDEX IF EXISTS idx_conversations_user_updated`,
		},
	},
	{
		version: 3,
		up: []string{
			`CREATE INDEX IF NOT EXISTS idx_conversations_workspace
				ON conversations(json_extract(extra, '$.workspace'))`,
		},
		down: []string{
			`DROP INDEX IF EXISTS idx_conversations_workspace`,
		},
	},
}

// targetSchemaVersion is the version a fully migrated database reports.
func targetSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// schemaVersion reads PRAGMA user_version.
func schemaVersion(db *sqlx.DB) (int, error) {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// migrate brings the database up to the target schema version. All pending
// migrations run inside one transaction; either every step applies or none.
func (r *Repository) migrate(ctx context.Context) error {
	current, err := schemaVersion(r.pool.Writer())
	if err != nil {
		return err
	}
	target := targetSchemaVersion()
	if current >= target {
		return nil
	}

	ctx, span := tracing.TraceStorageMigration(ctx, current, target)
	defer span.End()

	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		tracing.RecordResult(span, err)
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.up {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tracing.RecordResult(span, err)
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		r.logger.Info("applied schema migration", zap.Int("version", m.version))
	}

	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
		tracing.RecordResult(span, err)
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		tracing.RecordResult(span, err)
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	tracing.RecordResult(span, nil)
	return nil
}
