package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/whisper/match-chat/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(context.Background(), db.DefaultConfig(dsn))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.RunMigrations(conn); err != nil {
		t.Fatalf("RunMigrations() error: %v", err)
	}
	t.Cleanup(func() {
		conn.Exec(`DELETE FROM abuse_reports WHERE reported_id LIKE 'test_%'`)
		conn.Close()
	})
	return NewStore(conn)
}

func TestValidReason(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{"harassment", true},
		{"spam", true},
		{"explicit", true},
		{"other", true},
		{"", false},
		{"Spam", false},
		{"rude", false},
	}
	for _, tt := range tests {
		if got := ValidReason(tt.reason); got != tt.want {
			t.Errorf("ValidReason(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestCreate_InvalidReason(t *testing.T) {
	// Validation happens before any database access.
	s := NewStore(nil)
	err := s.Create(context.Background(), &Report{Reason: "rude"})
	if !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Report{
		ReporterID:     "test_alice",
		ReportedID:     "test_bob",
		ConversationID: "test_alice_test_bob",
		Reason:         "harassment",
		Messages:       []MessageEntry{{From: "test_bob", Text: "hey", Ts: time.Now().Unix()}},
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if r.ID == 0 {
		t.Error("expected ID to be assigned")
	}

	n, err := s.CountRecent(ctx, "test_bob", time.Hour)
	if err != nil {
		t.Fatalf("CountRecent() error: %v", err)
	}
	if n < 1 {
		t.Errorf("CountRecent = %d, want >= 1", n)
	}
}
