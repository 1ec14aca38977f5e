package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/common/errs"
)

// InsertMessage inserts a message row and touches the owning conversation.
func (r *Repository) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ConversationID == "" {
		return errs.Storagef("message conversation id must not be empty")
	}
	if m.Position == "" {
		m.Position = PositionLeft
	}
	if m.Status == "" {
		m.Status = MessageStatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	content := m.Content
	if len(content) == 0 {
		content = []byte("{}")
	}

	_, err := r.pool.Writer().ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, msg_id, type, content, position, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, nullable(m.MsgID), m.Type, string(content), m.Position, m.Status, m.CreatedAt)
	if err != nil {
		return errs.Storagef("failed to insert message: %v", err)
	}
	return r.TouchConversation(ctx, m.ConversationID)
}

// UpdateMessage rewrites the mutable fields of a message row.
func (r *Repository) UpdateMessage(ctx context.Context, id string, m *Message) error {
	content := m.Content
	if len(content) == 0 {
		content = []byte("{}")
	}
	res, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE messages SET type = ?, content = ?, position = ?, status = ? WHERE id = ?
	`, m.Type, string(content), m.Position, m.Status, id)
	if err != nil {
		return errs.Storagef("failed to update message %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("message %s", id)
	}
	if m.ConversationID != "" {
		return r.TouchConversation(ctx, m.ConversationID)
	}
	return nil
}

// DeleteMessage removes a single message row.
func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	res, err := r.pool.Writer().ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return errs.Storagef("failed to delete message %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("message %s", id)
	}
	return nil
}

// DeleteConversationMessages removes every message of a conversation.
func (r *Repository) DeleteConversationMessages(ctx context.Context, conversationID string) error {
	_, err := r.pool.Writer().ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return errs.Storagef("failed to delete messages of %s: %v", conversationID, err)
	}
	return nil
}

// GetConversationMessages returns one page of a conversation's messages in
// arrival order (created_at ascending). Page numbering is 1-based.
func (r *Repository) GetConversationMessages(ctx context.Context, conversationID string, page, pageSize int) (*Page[*Message], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}

	var total int
	if err := r.pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total); err != nil {
		return nil, errs.Storagef("failed to count messages: %v", err)
	}

	rows, err := r.pool.Reader().QueryxContext(ctx, `
		SELECT id, conversation_id, msg_id, type, content, position, status, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, errs.Storagef("failed to list messages: %v", err)
	}
	defer func() { _ = rows.Close() }()

	result := &Page[*Message]{
		Data:     []*Message{},
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Storagef("failed to scan message: %v", err)
		}
		result.Data = append(result.Data, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storagef("failed to iterate messages: %v", err)
	}
	result.HasMore = page*pageSize < total
	return result, nil
}

// GetRecentConversationMessages returns the newest limit messages of a
// conversation in arrival order. This is the working set the composer merges
// tool events into.
func (r *Repository) GetRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := r.pool.Reader().QueryxContext(ctx, `
		SELECT id, conversation_id, msg_id, type, content, position, status, created_at
		FROM (
			SELECT id, conversation_id, msg_id, type, content, position, status, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, errs.Storagef("failed to list recent messages: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Storagef("failed to scan message: %v", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storagef("failed to iterate messages: %v", err)
	}
	return result, nil
}

// CountConversationMessages returns the number of messages in a conversation.
func (r *Repository) CountConversationMessages(ctx context.Context, conversationID string) (int, error) {
	var total int
	if err := r.pool.Reader().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total); err != nil {
		return 0, errs.Storagef("failed to count messages: %v", err)
	}
	return total, nil
}

// ReassignConversationMessages moves every message of fromID to toID and
// returns the number of rows moved. Used when a conversation's history is
// migrated into a freshly created conversation.
func (r *Repository) ReassignConversationMessages(ctx context.Context, fromID, toID string) (int, error) {
	res, err := r.pool.Writer().ExecContext(ctx, `
		UPDATE messages SET conversation_id = ? WHERE conversation_id = ?
	`, toID, fromID)
	if err != nil {
		return 0, errs.Storagef("failed to reassign messages %s -> %s: %v", fromID, toID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := r.TouchConversation(ctx, toID); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// GetMessageByMsgID returns the most recent message carrying the given
// logical chunk id, or ErrNotFound. This is the read half of the streaming
// upsert path.
func (r *Repository) GetMessageByMsgID(ctx context.Context, conversationID, msgID string) (*Message, error) {
	row := r.pool.Reader().QueryRowxContext(ctx, `
		SELECT id, conversation_id, msg_id, type, content, position, status, created_at
		FROM messages WHERE conversation_id = ? AND msg_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, conversationID, msgID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFoundf("message %s/%s", conversationID, msgID)
		}
		return nil, errs.Storagef("failed to load message by msg_id: %v", err)
	}
	return m, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		msgID   sql.NullString
		content string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &msgID, &m.Type, &content,
		&m.Position, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if msgID.Valid {
		m.MsgID = msgID.String
	}
	m.Content = []byte(content)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
