package sweepflow

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/domain/triage"
)

// Sweeper is the part of triage.Service the activity needs.
type Sweeper interface {
	SweepEscalations(ctx context.Context) (*triage.SweepResult, error)
}

// Summary is the activity result. Only counts cross the workflow boundary;
// the per-case detail stays in the audit log.
type Summary struct {
	Escalated int `json:"escalated"`
	Assigned  int `json:"assigned"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type Activities struct {
	sweeper Sweeper
}

func NewActivities(sweeper Sweeper) *Activities {
	return &Activities{sweeper: sweeper}
}

// Sweep runs one escalation sweep. It is safe to retry: the sweeper's
// compare-and-set makes a repeated sweep a no-op for cases already advanced.
func (a *Activities) Sweep(ctx context.Context) (*Summary, error) {
	res, err := a.sweeper.SweepEscalations(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Escalated: len(res.Escalations),
		Assigned:  len(res.Assigned),
		Skipped:   len(res.Skipped),
		Failed:    len(res.Failed),
	}
	if sum.Failed > 0 {
		activity.GetLogger(ctx).Warn("Sweep finished with failures", "failed", sum.Failed)
	}
	return sum, nil
}
