package safety

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/ban"
	"github.com/whisper/match-chat/internal/blocklist"
	"github.com/whisper/match-chat/internal/moderation"
	"github.com/whisper/match-chat/internal/ratelimit"
)

var now = time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

type recordingStage struct {
	name    string
	verdict Verdict
	calls   *[]string
}

func (s recordingStage) Name() string { return s.name }

func (s recordingStage) Evaluate(context.Context, Candidate) Verdict {
	*s.calls = append(*s.calls, s.name)
	return s.verdict
}

func TestPipeline_ShortCircuits(t *testing.T) {
	var calls []string
	p := NewPipeline(zap.NewNop(),
		recordingStage{"a", Allow(), &calls},
		recordingStage{"b", Veto("b", ReasonSpam, "x"), &calls},
		recordingStage{"c", Allow(), &calls},
	)

	v := p.Evaluate(context.Background(), Candidate{SenderID: "alice", Body: "hi", At: now})
	if v.Allowed || v.Reason != ReasonSpam || v.Stage != "b" {
		t.Fatalf("Evaluate = %+v, want spam veto from b", v)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(calls, want) {
		t.Fatalf("stages run = %v, want %v", calls, want)
	}
}

func TestPipeline_ZeroVerdictDenies(t *testing.T) {
	var calls []string
	p := NewPipeline(zap.NewNop(), recordingStage{"forgetful", Verdict{}, &calls})

	v := p.Evaluate(context.Background(), Candidate{SenderID: "alice", Body: "hi"})
	if v.Allowed {
		t.Fatal("zero verdict let the message through")
	}
	if v.Reason != ReasonContentBlocked || v.Stage != "forgetful" {
		t.Fatalf("Evaluate = %+v", v)
	}
}

func TestPipeline_EmptyAllows(t *testing.T) {
	if v := NewPipeline(zap.NewNop(), nil).Evaluate(context.Background(), Candidate{}); !v.Allowed {
		t.Fatalf("empty pipeline = %+v, want allowed", v)
	}
}

type fakeBans struct {
	rec *ban.Record
	err error
}

func (f fakeBans) Lookup(context.Context, string) (*ban.Record, error) { return f.rec, f.err }

type fakeBlocks struct{ clear bool }

func (f fakeBlocks) Check(context.Context, string, string) blocklist.Clearance {
	return blocklist.Clearance{Clear: f.clear}
}

func standard(bans BanLookup, blocks BlockChecker) *Pipeline {
	return NewStandard(Components{
		Bans:    bans,
		Limiter: ratelimit.NewLimiter(ratelimit.PolicyChatSend),
		Spam:    moderation.NewSpamDetector(moderation.DefaultSpamConfig()),
		Filter:  moderation.NewFilter(),
		PII:     moderation.NewPIIDetector(),
		Blocks:  blocks,
	}, zap.NewNop())
}

func TestNewStandard_Order(t *testing.T) {
	p := standard(fakeBans{}, fakeBlocks{clear: true})
	want := []string{StageBan, StageRateLimit, StageSpam, StageModeration, StagePersonalInfo, StageBlockList}
	if got := p.Stages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Stages = %v, want %v", got, want)
	}
}

func TestNewStandard_Verdicts(t *testing.T) {
	banned := &ban.Record{UserID: "alice", Reason: "multiple_reports", ExpiresAt: now.Add(time.Hour)}

	tests := []struct {
		name   string
		bans   BanLookup
		blocks BlockChecker
		body   string
		reason Reason
		stage  string
	}{
		{"clean", fakeBans{}, fakeBlocks{true}, "Hey Bob, free tonight?", "", ""},
		{"banned", fakeBans{rec: banned}, fakeBlocks{true}, "hello", ReasonBanned, StageBan},
		{"ban store down fails open", fakeBans{err: errors.New("redis down")}, fakeBlocks{true}, "hello", "", ""},
		{"phone number", fakeBans{}, fakeBlocks{true}, "call me at 555-123-4567", ReasonContentBlocked, StageModeration},
		{"empty", fakeBans{}, fakeBlocks{true}, "   ", ReasonContentBlocked, StageModeration},
		{"prohibited", fakeBans{}, fakeBlocks{true}, "send nudes", ReasonContentBlocked, StageModeration},
		{"blocked", fakeBans{}, fakeBlocks{false}, "hello", ReasonBlocked, StageBlockList},
		{"ban outranks block", fakeBans{rec: banned}, fakeBlocks{false}, "hello", ReasonBanned, StageBan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := standard(tt.bans, tt.blocks)
			v := p.Evaluate(context.Background(), Candidate{SenderID: "alice", ReceiverID: "bob", Body: tt.body, At: now})
			if tt.reason == "" {
				if !v.Allowed {
					t.Fatalf("Evaluate = %+v, want allowed", v)
				}
				return
			}
			if v.Allowed || v.Reason != tt.reason || v.Stage != tt.stage {
				t.Fatalf("Evaluate = %+v, want %s from %s", v, tt.reason, tt.stage)
			}
		})
	}
}

func TestNewStandard_RateLimitBeforeSpam(t *testing.T) {
	p := standard(fakeBans{}, fakeBlocks{true})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c := Candidate{SenderID: "alice", ReceiverID: "bob", Body: string(rune('a' + i)), At: now}
		if v := p.Evaluate(ctx, c); !v.Allowed {
			t.Fatalf("message %d: %+v", i+1, v)
		}
	}
	v := p.Evaluate(ctx, Candidate{SenderID: "alice", ReceiverID: "bob", Body: "k", At: now})
	if v.Reason != ReasonRateLimited {
		t.Fatalf("11th message = %+v, want rate-limited", v)
	}

	// A minute later the ceiling has cleared.
	v = p.Evaluate(ctx, Candidate{SenderID: "alice", ReceiverID: "bob", Body: "later", At: now.Add(time.Minute)})
	if !v.Allowed {
		t.Fatalf("after window = %+v, want allowed", v)
	}
}

func TestNewStandard_RepeatedBody(t *testing.T) {
	p := standard(fakeBans{}, fakeBlocks{true})
	ctx := context.Background()

	for i, body := range []string{"Hi", "hi ", "HI"} {
		v := p.Evaluate(ctx, Candidate{SenderID: "alice", ReceiverID: "bob", Body: body, At: now.Add(time.Duration(i) * time.Second)})
		if i < 2 && !v.Allowed {
			t.Fatalf("occurrence %d vetoed: %+v", i+1, v)
		}
		if i == 2 && v.Reason != ReasonSpam {
			t.Fatalf("third occurrence = %+v, want spam", v)
		}
	}
}

func TestPersonalInfoStage(t *testing.T) {
	s := NewPersonalInfoStage(moderation.NewPIIDetector())
	v := s.Evaluate(context.Background(), Candidate{Body: "mail me at bob@example.com"})
	if v.Allowed || v.Reason != ReasonContentBlocked || v.Detail != moderation.PIIEmail {
		t.Fatalf("Evaluate = %+v", v)
	}
}

func TestReasonMessagesAreGeneric(t *testing.T) {
	for _, r := range []Reason{
		ReasonAuthRequired, ReasonNotAuthorized, ReasonTooLong, ReasonContentBlocked,
		ReasonBlocked, ReasonBanned, ReasonRateLimited, ReasonSpam, ReasonSendFailed,
	} {
		if r.Message() == "" {
			t.Errorf("%s has no message", r)
		}
	}
}
