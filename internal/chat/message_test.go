package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestConversationID(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"alice", "bob", "alice_bob"},
		{"bob", "alice", "alice_bob"},
		{"user-2", "user-10", "user-10_user-2"},
		{"Zed", "amy", "Zed_amy"},
	}
	for _, tt := range tests {
		if got := ConversationID(tt.a, tt.b); got != tt.want {
			t.Errorf("ConversationID(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestConversationID_Symmetric(t *testing.T) {
	ids := []string{"alice", "bob", "carol", "u1", "u10", "U1", "", "x_y"}
	for _, a := range ids {
		for _, b := range ids {
			ab, ba := ConversationID(a, b), ConversationID(b, a)
			if ab != ba {
				t.Fatalf("ConversationID(%q,%q)=%q but reversed=%q", a, b, ab, ba)
			}
			if ConversationID(a, b) != ab {
				t.Fatalf("ConversationID(%q,%q) not deterministic", a, b)
			}
		}
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
	}{
		{"plain", "Hey Bob, free tonight?", nil},
		{"empty", "", ErrEmptyMessage},
		{"whitespace", " \t\n", ErrEmptyMessage},
		{"max chars", strings.Repeat("a", MaxTextChars), nil},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), ErrMessageTooLong},
		{"multibyte at limit", strings.Repeat("é", MaxTextChars), nil},
		{"multibyte over limit", strings.Repeat("é", MaxTextChars+1), ErrMessageTooLong},
		{"too many bytes", strings.Repeat("😀", MaxMessageBytes/4+1), ErrMessageTooLong},
		{"invalid utf8", "hi \xff", ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("ValidateMessage() = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindText, KindImage, KindEmoji} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if Kind("video").Valid() {
		t.Error("video should not be valid")
	}
}
