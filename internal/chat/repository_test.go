package chat

import (
	"context"
	"testing"
	"time"
)

var base = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

func put(t *testing.T, repo Repository, sender, receiver, body string, at time.Time) *Message {
	t.Helper()
	m := &Message{
		ConversationID:   ConversationID(sender, receiver),
		SenderID:         sender,
		ReceiverID:       receiver,
		Body:             body,
		Kind:             KindText,
		SentAt:           at,
		ModerationStatus: StatusApproved,
	}
	if err := repo.Insert(context.Background(), m); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("Insert did not assign an id")
	}
	return m
}

// runRepositoryContract exercises the behavior every Repository must share.
// newRepo must return an empty repository.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("list conversation newest first with paging", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			put(t, repo, "alice", "bob", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		}
		put(t, repo, "alice", "carol", "other", base)

		page1, err := repo.ListConversation(ctx, "alice", "bob", 0, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page1) != 2 || page1[0].Body != "e" || page1[1].Body != "d" {
			t.Fatalf("page 1 = %+v", bodies(page1))
		}
		page3, _ := repo.ListConversation(ctx, "alice", "bob", 4, 2)
		if len(page3) != 1 || page3[0].Body != "a" {
			t.Fatalf("page 3 = %v", bodies(page3))
		}
		beyond, _ := repo.ListConversation(ctx, "alice", "bob", 10, 2)
		if len(beyond) != 0 {
			t.Fatalf("beyond = %v", bodies(beyond))
		}
	})

	t.Run("hidden messages excluded", func(t *testing.T) {
		repo := newRepo(t)
		keep := put(t, repo, "alice", "bob", "keep", base)
		gone := put(t, repo, "alice", "bob", "gone", base.Add(time.Second))
		pending := &Message{
			ConversationID: "alice_bob", SenderID: "alice", ReceiverID: "bob",
			Body: "pending", Kind: KindText, SentAt: base.Add(2 * time.Second),
			ModerationStatus: StatusPending,
		}
		repo.Insert(ctx, pending)

		if ok, _ := repo.SoftDelete(ctx, gone.ID, "alice"); !ok {
			t.Fatal("SoftDelete by sender failed")
		}
		msgs, _ := repo.ListConversation(ctx, "alice", "bob", 0, 10)
		if len(msgs) != 1 || msgs[0].ID != keep.ID {
			t.Fatalf("visible = %v, want only keep", bodies(msgs))
		}
		if _, err := repo.Get(ctx, gone.ID); err != ErrNotFound {
			t.Fatalf("Get(deleted) err = %v, want ErrNotFound", err)
		}
		if _, err := repo.Get(ctx, pending.ID); err != ErrNotFound {
			t.Fatalf("Get(pending) err = %v, want ErrNotFound", err)
		}
		if got, err := repo.Get(ctx, keep.ID); err != nil || got.Body != "keep" {
			t.Fatalf("Get(keep) = %+v, %v", got, err)
		}
	})

	t.Run("summaries", func(t *testing.T) {
		repo := newRepo(t)
		put(t, repo, "bob", "alice", "b1", base)
		put(t, repo, "bob", "alice", "b2", base.Add(time.Minute))
		put(t, repo, "alice", "bob", "a1", base.Add(2*time.Minute))
		put(t, repo, "carol", "alice", "c1", base.Add(3*time.Minute))
		put(t, repo, "dave", "erin", "x", base.Add(4*time.Minute))

		sums, err := repo.ListConversations(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(sums) != 2 {
			t.Fatalf("got %d summaries, want 2", len(sums))
		}
		if sums[0].ConversationID != "alice_carol" || sums[0].OtherUserID != "carol" || sums[0].UnreadCount != 1 {
			t.Errorf("first summary = %+v", sums[0])
		}
		if sums[1].ConversationID != "alice_bob" || sums[1].OtherUserID != "bob" ||
			sums[1].LastMessage.Body != "a1" || sums[1].UnreadCount != 2 {
			t.Errorf("second summary = %+v", sums[1])
		}

		bobSums, _ := repo.ListConversations(ctx, "bob")
		if len(bobSums) != 1 || bobSums[0].UnreadCount != 1 || bobSums[0].OtherUserID != "alice" {
			t.Errorf("bob summaries = %+v", bobSums)
		}
	})

	t.Run("mark read once, receiver only", func(t *testing.T) {
		repo := newRepo(t)
		m := put(t, repo, "alice", "bob", "hi", base)

		if ok, _ := repo.MarkRead(ctx, m.ID, "alice", base); ok {
			t.Fatal("sender marked own message read")
		}
		if ok, _ := repo.MarkRead(ctx, m.ID, "bob", base.Add(time.Minute)); !ok {
			t.Fatal("receiver could not mark read")
		}
		if ok, _ := repo.MarkRead(ctx, m.ID, "bob", base.Add(time.Hour)); ok {
			t.Fatal("second MarkRead changed the message")
		}
		got, _ := repo.Get(ctx, m.ID)
		if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("after MarkRead = %+v", got)
		}
		if ok, _ := repo.MarkRead(ctx, 999999, "bob", base); ok {
			t.Fatal("MarkRead on unknown id reported a change")
		}
	})

	t.Run("soft delete sender only, once", func(t *testing.T) {
		repo := newRepo(t)
		m := put(t, repo, "alice", "bob", "hi", base)

		if ok, _ := repo.SoftDelete(ctx, m.ID, "bob"); ok {
			t.Fatal("receiver deleted the message")
		}
		if ok, _ := repo.SoftDelete(ctx, m.ID, "alice"); !ok {
			t.Fatal("sender could not delete")
		}
		if ok, _ := repo.SoftDelete(ctx, m.ID, "alice"); ok {
			t.Fatal("second delete reported a change")
		}
		if ok, _ := repo.SoftDelete(ctx, 999999, "alice"); ok {
			t.Fatal("delete of unknown id reported a change")
		}
	})

	t.Run("delete all for user", func(t *testing.T) {
		repo := newRepo(t)
		put(t, repo, "alice", "bob", "1", base)
		put(t, repo, "bob", "alice", "2", base)
		gone := put(t, repo, "alice", "carol", "3", base)
		repo.SoftDelete(ctx, gone.ID, "alice")
		put(t, repo, "carol", "dave", "4", base)

		n, err := repo.DeleteAllForUser(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Fatalf("deleted %d, want 3 (tombstones included)", n)
		}
		if sums, _ := repo.ListConversations(ctx, "alice"); len(sums) != 0 {
			t.Fatalf("alice still has %d conversations", len(sums))
		}
		if msgs, _ := repo.ListConversation(ctx, "carol", "dave", 0, 10); len(msgs) != 1 {
			t.Fatal("unrelated conversation touched")
		}
	})

	t.Run("colliding conversation ids stay separate", func(t *testing.T) {
		repo := newRepo(t)
		if ConversationID("a_b", "c") != ConversationID("a", "b_c") {
			t.Fatal("pairs chosen for this case no longer collide")
		}
		put(t, repo, "a_b", "c", "private to c", base)
		put(t, repo, "a", "b_c", "hello b_c", base.Add(time.Minute))

		tests := []struct {
			userA, userB string
			want         []string
		}{
			{"a", "b_c", []string{"hello b_c"}},
			{"b_c", "a", []string{"hello b_c"}},
			{"a_b", "c", []string{"private to c"}},
			{"c", "a_b", []string{"private to c"}},
			{"a", "c", nil},
		}
		for _, tt := range tests {
			msgs, err := repo.ListConversation(ctx, tt.userA, tt.userB, 0, 10)
			if err != nil {
				t.Fatal(err)
			}
			got := bodies(msgs)
			if len(got) != len(tt.want) || (len(got) > 0 && got[0] != tt.want[0]) {
				t.Errorf("ListConversation(%s, %s) = %v, want %v", tt.userA, tt.userB, got, tt.want)
			}
		}

		sums, err := repo.ListConversations(ctx, "c")
		if err != nil {
			t.Fatal(err)
		}
		if len(sums) != 1 || sums[0].OtherUserID != "a_b" {
			t.Fatalf("c summaries = %+v, want one with a_b", sums)
		}
	})
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(*testing.T) Repository { return NewMemoryRepository() })
}

func TestMemoryRepository_InsertCopies(t *testing.T) {
	repo := NewMemoryRepository()
	m := put(t, repo, "alice", "bob", "hi", base)
	m.Body = "mutated"

	got, _ := repo.Get(context.Background(), m.ID)
	if got.Body != "hi" {
		t.Fatalf("stored message aliased caller's value: %q", got.Body)
	}
}
