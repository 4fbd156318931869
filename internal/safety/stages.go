package safety

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/ban"
	"github.com/whisper/match-chat/internal/blocklist"
	"github.com/whisper/match-chat/internal/moderation"
	"github.com/whisper/match-chat/internal/ratelimit"
)

// Stage names.
const (
	StageBan          = "ban"
	StageRateLimit    = "rate_limit"
	StageSpam         = "spam"
	StageModeration   = "moderation"
	StagePersonalInfo = "personal_info"
	StageBlockList    = "block_list"
)

// BanLookup is satisfied by ban.Tracker and ban.Store.
type BanLookup interface {
	Lookup(ctx context.Context, userID string) (*ban.Record, error)
}

// BlockChecker is satisfied by blocklist.Client.
type BlockChecker interface {
	Check(ctx context.Context, sender, receiver string) blocklist.Clearance
}

// BanStage vetoes senders with an active ban. Lookup errors let the message
// through.
type BanStage struct {
	bans BanLookup
	log  *zap.Logger
}

func NewBanStage(bans BanLookup, log *zap.Logger) *BanStage {
	return &BanStage{bans: bans, log: log.Named("safety.ban")}
}

func (s *BanStage) Name() string { return StageBan }

func (s *BanStage) Evaluate(ctx context.Context, c Candidate) Verdict {
	rec, err := s.bans.Lookup(ctx, c.SenderID)
	if err != nil {
		s.log.Warn("ban lookup failed, failing open", zap.String("sender", c.SenderID), zap.Error(err))
		return Allow()
	}
	if rec != nil {
		return Veto(StageBan, ReasonBanned, fmt.Sprintf("%s, %s left", rec.Reason, rec.Remaining(c.At).Round(time.Second)))
	}
	return Allow()
}

// RateLimitStage enforces the per-sender send ceilings.
type RateLimitStage struct {
	limiter *ratelimit.Limiter
}

func NewRateLimitStage(limiter *ratelimit.Limiter) *RateLimitStage {
	return &RateLimitStage{limiter: limiter}
}

func (s *RateLimitStage) Name() string { return StageRateLimit }

func (s *RateLimitStage) Evaluate(_ context.Context, c Candidate) Verdict {
	if ok, limit := s.limiter.Check(c.SenderID, c.At); !ok {
		return Veto(StageRateLimit, ReasonRateLimited, fmt.Sprintf("%d per %s", limit.Max, limit.Window))
	}
	return Allow()
}

// SpamStage flags bursts and repeated bodies.
type SpamStage struct {
	detector *moderation.SpamDetector
}

func NewSpamStage(detector *moderation.SpamDetector) *SpamStage {
	return &SpamStage{detector: detector}
}

func (s *SpamStage) Name() string { return StageSpam }

func (s *SpamStage) Evaluate(_ context.Context, c Candidate) Verdict {
	if r := s.detector.Check(c.SenderID, c.Body, c.At); r.Spam {
		return Veto(StageSpam, ReasonSpam, r.Rule)
	}
	return Allow()
}

// ModerationStage applies the content filter, personal-information rules
// included.
type ModerationStage struct {
	filter *moderation.Filter
}

func NewModerationStage(filter *moderation.Filter) *ModerationStage {
	return &ModerationStage{filter: filter}
}

func (s *ModerationStage) Name() string { return StageModeration }

func (s *ModerationStage) Evaluate(_ context.Context, c Candidate) Verdict {
	if r := s.filter.Check(c.Body); r.Blocked {
		return Veto(StageModeration, ReasonContentBlocked, r.Rule+":"+r.Term)
	}
	return Allow()
}

// PersonalInfoStage runs the personal-information battery on its own.
type PersonalInfoStage struct {
	detector *moderation.PIIDetector
}

func NewPersonalInfoStage(detector *moderation.PIIDetector) *PersonalInfoStage {
	return &PersonalInfoStage{detector: detector}
}

func (s *PersonalInfoStage) Name() string { return StagePersonalInfo }

func (s *PersonalInfoStage) Evaluate(_ context.Context, c Candidate) Verdict {
	if m := s.detector.Detect(c.Body); m.Found {
		return Veto(StagePersonalInfo, ReasonContentBlocked, m.Type)
	}
	return Allow()
}

// BlockListStage asks the block-list service about both directions.
type BlockListStage struct {
	checker BlockChecker
}

func NewBlockListStage(checker BlockChecker) *BlockListStage {
	return &BlockListStage{checker: checker}
}

func (s *BlockListStage) Name() string { return StageBlockList }

func (s *BlockListStage) Evaluate(ctx context.Context, c Candidate) Verdict {
	if !s.checker.Check(ctx, c.SenderID, c.ReceiverID).Clear {
		return Veto(StageBlockList, ReasonBlocked, "")
	}
	return Allow()
}

// Components are the collaborators of the standard pipeline. Nil entries
// leave their stage out.
type Components struct {
	Bans    BanLookup
	Limiter *ratelimit.Limiter
	Spam    *moderation.SpamDetector
	Filter  *moderation.Filter
	PII     *moderation.PIIDetector
	Blocks  BlockChecker
}

// NewStandard builds the pipeline in its fixed order: ban, rate limit, spam,
// moderation, personal information, block-list.
func NewStandard(c Components, log *zap.Logger) *Pipeline {
	var stages []Stage
	if c.Bans != nil {
		stages = append(stages, NewBanStage(c.Bans, log))
	}
	if c.Limiter != nil {
		stages = append(stages, NewRateLimitStage(c.Limiter))
	}
	if c.Spam != nil {
		stages = append(stages, NewSpamStage(c.Spam))
	}
	if c.Filter != nil {
		stages = append(stages, NewModerationStage(c.Filter))
	}
	if c.PII != nil {
		stages = append(stages, NewPersonalInfoStage(c.PII))
	}
	if c.Blocks != nil {
		stages = append(stages, NewBlockListStage(c.Blocks))
	}
	return NewPipeline(log, stages...)
}
