package safety

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Candidate is a message awaiting a verdict.
type Candidate struct {
	SenderID   string
	ReceiverID string
	Body       string
	At         time.Time
}

// Verdict is a stage or pipeline outcome. The zero value is a denial with no
// reason, so a stage that forgets to answer blocks the message.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Stage   string // stage that vetoed
	Detail  string // internal detail for audit logs, never sent to clients
}

// Allow returns an approving verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Veto returns a rejecting verdict.
func Veto(stage string, reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Stage: stage, Detail: detail}
}

// Stage is one veto gate.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, c Candidate) Verdict
}

// Pipeline evaluates stages in order and stops at the first veto.
type Pipeline struct {
	stages []Stage
	log    *zap.Logger
}

// NewPipeline creates a pipeline over stages in the given order. Nil stages
// are skipped.
func NewPipeline(log *zap.Logger, stages ...Stage) *Pipeline {
	p := &Pipeline{log: log.Named("safety")}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Stages returns the stage names in evaluation order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Evaluate runs every stage until one vetoes. A vetoing verdict without a
// reason is reported as content-blocked.
func (p *Pipeline) Evaluate(ctx context.Context, c Candidate) Verdict {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	for _, s := range p.stages {
		v := s.Evaluate(ctx, c)
		if v.Allowed {
			continue
		}
		if v.Stage == "" {
			v.Stage = s.Name()
		}
		if v.Reason == "" {
			v.Reason = ReasonContentBlocked
		}
		p.log.Debug("stage vetoed",
			zap.String("stage", v.Stage),
			zap.String("reason", v.Reason.String()),
			zap.String("detail", v.Detail),
			zap.String("sender", c.SenderID),
		)
		return v
	}
	return Allow()
}
