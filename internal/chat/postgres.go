package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRepository stores messages in the messages table created by the db
// migrations.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, body, kind, sent_at,
	is_read, read_at, is_deleted, moderation_status`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (Message, error) {
	var (
		m      Message
		readAt sql.NullTime
	)
	dest := []any{
		&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Kind, &m.SentAt,
		&m.IsRead, &readAt, &m.IsDeleted, &m.ModerationStatus,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Message{}, err
	}
	m.SentAt = m.SentAt.UTC()
	if readAt.Valid {
		t := readAt.Time.UTC()
		m.ReadAt = &t
	}
	return m, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, body, kind, sent_at,
			is_read, read_at, is_deleted, moderation_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var readAt sql.NullTime
	if m.ReadAt != nil {
		readAt = sql.NullTime{Time: *m.ReadAt, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, query,
		m.ConversationID, m.SenderID, m.ReceiverID, m.Body, m.Kind, m.SentAt,
		m.IsRead, readAt, m.IsDeleted, m.ModerationStatus,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("chat: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1 AND is_deleted = FALSE AND moderation_status = 'approved'`

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) ListConversation(ctx context.Context, userA, userB string, offset, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ((sender_id = $2 AND receiver_id = $3) OR (sender_id = $3 AND receiver_id = $2))
		  AND is_deleted = FALSE AND moderation_status = 'approved'
		ORDER BY sent_at DESC, id DESC
		OFFSET $4 LIMIT $5`

	rows, err := r.db.QueryContext(ctx, query, ConversationID(userA, userB), userA, userB, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversation: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list conversation: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	query := `
		WITH visible AS (
			SELECT *, CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer
			FROM messages
			WHERE (sender_id = $1 OR receiver_id = $1)
			  AND is_deleted = FALSE AND moderation_status = 'approved'
		), latest AS (
			SELECT DISTINCT ON (peer) ` + messageColumns + `, peer
			FROM visible
			ORDER BY peer, sent_at DESC, id DESC
		)
		SELECT ` + messageColumns + `,
			(SELECT COUNT(*) FROM visible v
			 WHERE v.peer = l.peer
			   AND v.receiver_id = $1 AND v.is_read = FALSE) AS unread
		FROM latest l
		ORDER BY l.sent_at DESC, l.id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var unread int
		m, err := scanMessage(rows, &unread)
		if err != nil {
			return nil, fmt.Errorf("chat: scan summary: %w", err)
		}
		out = append(out, ConversationSummary{
			ConversationID: m.ConversationID,
			OtherUserID:    otherParticipant(&m, userID),
			LastMessage:    m,
			UnreadCount:    unread,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id int64, receiverID string, at time.Time) (bool, error) {
	const query = `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE id = $1 AND receiver_id = $2 AND is_read = FALSE AND is_deleted = FALSE`

	return r.exec(ctx, "mark read", query, id, receiverID, at)
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, id int64, senderID string) (bool, error) {
	const query = `
		UPDATE messages SET is_deleted = TRUE
		WHERE id = $1 AND sender_id = $2 AND is_deleted = FALSE`

	return r.exec(ctx, "soft delete", query, id, senderID)
}

func (r *PostgresRepository) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE sender_id = $1 OR receiver_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: delete all for user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("chat: delete all for user: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("chat: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: %s: %w", op, err)
	}
	return n > 0, nil
}
