package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes the routing engine. Zero values take the defaults.
type Options struct {
	ResponseWindow   time.Duration
	SweepBatchSize   int
	SweepConcurrency int
	Now              func() time.Time
}

const (
	defaultSweepBatchSize   = 200
	defaultSweepConcurrency = 8
)

// Service is the case routing and escalation engine.
type Service struct {
	repo      Repository
	tx        TxRunner
	directory ResponderDirectory
	events    EventSink
	logger    zerolog.Logger

	window      time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

func NewService(repo Repository, tx TxRunner, directory ResponderDirectory, events EventSink, logger zerolog.Logger, opts Options) *Service {
	if events == nil {
		events = NopSink{}
	}
	s := &Service{
		repo:        repo,
		tx:          tx,
		directory:   directory,
		events:      events,
		logger:      logger.With().Str("component", "triage").Logger(),
		window:      opts.ResponseWindow,
		batchSize:   opts.SweepBatchSize,
		concurrency: opts.SweepConcurrency,
		now:         opts.Now,
	}
	if s.window <= 0 {
		s.window = DefaultResponseWindow
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultSweepBatchSize
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultSweepConcurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ResponseWindow is the acknowledgment target for a timed assignment.
func (s *Service) ResponseWindow() time.Duration {
	return s.window
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) audit(ctx context.Context, action AuditAction, c *TriageCase, actor string, at time.Time, details map[string]interface{}) error {
	l := &AuditLog{
		Action:    action,
		CaseID:    &c.ID,
		PatientID: &c.PatientID,
		Details:   details,
		CreatedAt: at,
	}
	if actor != "" {
		l.ActorID = &actor
	}
	return s.repo.CreateAuditLog(ctx, l)
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
