// Package report provides PostgreSQL-backed storage for abuse reports.
// Each report captures who reported whom, the conversation, and the last
// few messages exchanged (for moderator review).
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotSize is the number of recent messages attached to a report.
const SnapshotSize = 5

// ErrInvalidReason is returned for reasons outside the allowed set.
var ErrInvalidReason = errors.New("report: invalid reason")

// validReasons matches the CHECK constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// ValidReason reports whether reason may be filed.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ID             int64
	ReporterID     string
	ReportedID     string
	ConversationID string
	Reason         string
	Messages       []MessageEntry
	CreatedAt      time.Time
}

// MessageEntry is one message in the conversation snapshot attached to a report.
type MessageEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. Messages are marshalled to JSONB. On
// success report.ID and report.CreatedAt are filled in.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !ValidReason(report.Reason) {
		return fmt.Errorf("%w %q", ErrInvalidReason, report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, conversation_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		report.ReporterID,
		report.ReportedID,
		report.ConversationID,
		report.Reason,
		messagesJSON,
	).Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
