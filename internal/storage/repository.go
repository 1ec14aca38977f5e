package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/errs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
)

// Repository is the single durable store of the process. Writes are
// serialized through the pool's single writer connection; reads may run
// concurrently from any goroutine.
type Repository struct {
	pool   *db.Pool
	logger *logger.Logger
}

// New creates a Repository on the given pool and applies pending schema
// migrations.
func New(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Repository, error) {
	r := &Repository{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "storage")),
	}
	if err := r.migrate(ctx); err != nil {
		return nil, errs.Storagef("schema migration failed: %v", err)
	}
	return r, nil
}

// Close closes the underlying pool.
func (r *Repository) Close() error {
	return r.pool.Close()
}

// CreateConversation inserts a new conversation row. Missing timestamps and
// user id are defaulted.
func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return errs.Storagef("conversation id must not be empty")
	}
	if c.UserID == "" {
		c.UserID = SystemUserID
	}
	if c.Status == "" {
		c.Status = ConversationStatusPending
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	extraJSON, err := json.Marshal(c.Extra)
	if err != nil {
		return errs.Storagef("failed to serialize conversation extra: %v", err)
	}
	var modelJSON any
	if len(c.Model) > 0 {
		modelJSON = string(c.Model)
	}

	_, err = r.pool.Writer().ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, name, type, extra, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Name, c.Type, string(extraJSON), modelJSON, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return errs.Storagef("failed to create conversation: %v", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := r.pool.Reader().QueryRowxContext(ctx, `
		SELECT id, user_id, name, type, extra, model, status, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("conversation %s", id)
		}
		return nil, errs.Storagef("failed to load conversation %s: %v", id, err)
	}
	return c, nil
}

// GetConversationByWorkspace returns the most recently updated conversation
// whose extra.workspace matches the given path, if any.
func (r *Repository) GetConversationByWorkspace(ctx context.Context, workspace string) (*Conversation, error) {
	row := r.pool.Reader().QueryRowxContext(ctx, `
		SELECT id, user_id, name, type, extra, model, status, created_at, updated_at
		FROM conversations
		WHERE json_extract(extra, '$.workspace') = ?
		ORDER BY updated_at DESC LIMIT 1
	`, workspace)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("conversation for workspace %s", workspace)
		}
		return nil, errs.Storagef("failed to load conversation by workspace: %v", err)
	}
	return c, nil
}

// GetUserConversations returns one page of a user's conversations ordered by
// updated_at descending. Page numbering is 1-based.
func (r *Repository) GetUserConversations(ctx context.Context, userID string, page, pageSize int) (*Page[*Conversation], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := r.pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, errs.Storagef("failed to count conversations: %v", err)
	}

	rows, err := r.pool.Reader().QueryxContext(ctx, `
		SELECT id, user_id, name, type, extra, model, status, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, errs.Storagef("failed to list conversations: %v", err)
	}
	defer func() { _ = rows.Close() }()

	result := &Page[*Conversation]{
		Data:     []*Conversation{},
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errs.Storagef("failed to scan conversation: %v", err)
		}
		result.Data = append(result.Data, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storagef("failed to iterate conversations: %v", err)
	}
	result.HasMore = page*pageSize < total
	return result, nil
}

// UpdateConversation applies a partial update and advances updated_at. The
// updated row is returned.
func (r *Repository) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	existing, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Extra != nil {
		existing.Extra = *patch.Extra
	}
	if patch.Model != nil {
		existing.Model = patch.Model
	}
	if patch.Status != nil {
		existing.Status = *patch.Status
	}
	// Monotonic even when the clock and the previous write land on the same
	// tick.
	now := time.Now().UTC()
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Millisecond)
	}
	existing.UpdatedAt = now

	extraJSON, err := json.Marshal(existing.Extra)
	if err != nil {
		return nil, errs.Storagef("failed to serialize conversation extra: %v", err)
	}
	var modelJSON any
	if len(existing.Model) > 0 {
		modelJSON = string(existing.Model)
	}

	_, err = r.pool.Writer().ExecContext(ctx, `
		UPDATE conversations
		SET name = ?, extra = ?, model = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, existing.Name, string(extraJSON), modelJSON, existing.Status, existing.UpdatedAt, id)
	if err != nil {
		return nil, errs.Storagef("failed to update conversation %s: %v", id, err)
	}
	return existing, nil
}

// TouchConversation advances a conversation's updated_at without changing any
// other field. Called on every message append.
func (r *Repository) TouchConversation(ctx context.Context, id string) error {
	_, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return errs.Storagef("failed to touch conversation %s: %v", id, err)
	}
	return nil
}

// DeleteConversation removes a conversation and all its messages.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	// The cascade relies on foreign_keys=on; delete messages explicitly as
	// well so a legacy handle without FK enforcement behaves the same.
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return errs.Storagef("failed to begin delete transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return errs.Storagef("failed to delete conversation messages: %v", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return errs.Storagef("failed to delete conversation %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("conversation %s", id)
	}
	if err := tx.Commit(); err != nil {
		return errs.Storagef("failed to commit conversation delete: %v", err)
	}
	return nil
}

// EnsureSystemUser idempotently seeds the default user row.
func (r *Repository) EnsureSystemUser(ctx context.Context) error {
	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, SystemUserID, "System", time.Now().UTC())
	if err != nil {
		return errs.Storagef("failed to seed system user: %v", err)
	}
	return nil
}

// HasUsers reports whether any user row exists.
func (r *Repository) HasUsers(ctx context.Context) (bool, error) {
	var count int
	if err := r.pool.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, errs.Storagef("failed to count users: %v", err)
	}
	return count > 0, nil
}

// Vacuum reclaims free pages. Runs outside any transaction.
func (r *Repository) Vacuum(ctx context.Context) error {
	if _, err := r.pool.Writer().ExecContext(ctx, `VACUUM`); err != nil {
		return errs.Storagef("vacuum failed: %v", err)
	}
	return nil
}

// rowScanner abstracts *sqlx.Row and *sqlx.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		extraJSON string
		modelJSON sql.NullString
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Type, &extraJSON, &modelJSON,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if extraJSON != "" {
		if err := json.Unmarshal([]byte(extraJSON), &c.Extra); err != nil {
			return nil, fmt.Errorf("failed to deserialize conversation extra: %w", err)
		}
	}
	if modelJSON.Valid && modelJSON.String != "" {
		c.Model = json.RawMessage(modelJSON.String)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
