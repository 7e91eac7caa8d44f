package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// errSettled aborts a unit of work whose case no longer needs it.
var errSettled = errors.New("case settled concurrently")

// sweepTally collects per-case outcomes from concurrent workers.
type sweepTally struct {
	mu  sync.Mutex
	res SweepResult
}

func (t *sweepTally) escalated(e Escalation) {
	t.mu.Lock()
	t.res.Escalations = append(t.res.Escalations, e)
	t.mu.Unlock()
}

func (t *sweepTally) assigned(a LateAssignment) {
	t.mu.Lock()
	t.res.Assigned = append(t.res.Assigned, a)
	t.mu.Unlock()
}

func (t *sweepTally) skipped(s SkippedCase) {
	t.mu.Lock()
	t.res.Skipped = append(t.res.Skipped, s)
	t.mu.Unlock()
}

func (t *sweepTally) failed(caseID uuid.UUID, assignmentID *uuid.UUID, err error) {
	t.mu.Lock()
	t.res.Failed = append(t.res.Failed, FailedCase{CaseID: caseID, AssignmentID: assignmentID, Error: err.Error()})
	t.mu.Unlock()
}

func (t *sweepTally) result() *SweepResult {
	r := t.res
	sort.Slice(r.Escalations, func(i, j int) bool { return r.Escalations[i].CaseID.String() < r.Escalations[j].CaseID.String() })
	sort.Slice(r.Assigned, func(i, j int) bool { return r.Assigned[i].CaseID.String() < r.Assigned[j].CaseID.String() })
	sort.Slice(r.Skipped, func(i, j int) bool { return r.Skipped[i].CaseID.String() < r.Skipped[j].CaseID.String() })
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].CaseID.String() < r.Failed[j].CaseID.String() })
	return &r
}

// SweepEscalations advances every overdue pending assignment one rung and
// then repairs ESI-2 cases left without a pending assignment. Each case is
// handled independently; one failure never aborts the others. Overlapping
// sweeps are safe: the pending-slot guard lets exactly one of them win.
func (s *Service) SweepEscalations(ctx context.Context) (*SweepResult, error) {
	now := s.clock()
	tally := &sweepTally{}

	overdue, err := s.repo.ListOverdue(ctx, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list overdue assignments: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, a := range overdue {
		a := a
		g.Go(func() error {
			s.advance(ctx, a, now, tally)
			return nil
		})
	}
	_ = g.Wait()

	stranded, err := s.repo.ListStranded(ctx, []int{2}, now, s.batchSize)
	if err != nil {
		return tally.result(), fmt.Errorf("list stranded cases: %w", err)
	}
	for _, c := range stranded {
		c := c
		g.Go(func() error {
			s.reconcile(ctx, c, now, tally)
			return nil
		})
	}
	_ = g.Wait()

	res := tally.result()
	if len(res.Escalations)+len(res.Assigned)+len(res.Skipped)+len(res.Failed) > 0 {
		s.logger.Info().
			Int("escalated", len(res.Escalations)).
			Int("assigned", len(res.Assigned)).
			Int("skipped", len(res.Skipped)).
			Int("failed", len(res.Failed)).
			Msg("escalation sweep finished")
	}
	return res, nil
}

func (s *Service) advance(ctx context.Context, a *RoutingAssignment, now time.Time, tally *sweepTally) {
	log := s.logger.With().
		Str("case_id", a.CaseID.String()).
		Str("assignment_id", a.ID.String()).
		Int("level", a.EscalationLevel).
		Logger()

	next := a.EscalationLevel + 1
	role, ok := RoleForLevel(next)
	if !ok {
		log.Warn().Msg("overdue assignment is on the last rung")
		tally.skipped(SkippedCase{CaseID: a.CaseID, AssignmentID: uuidPtr(a.ID), Level: a.EscalationLevel, Reason: SkipLadderExhausted})
		return
	}

	c, err := s.repo.GetCase(ctx, a.CaseID)
	if err != nil {
		log.Error().Err(err).Msg("load case for escalation")
		tally.failed(a.CaseID, uuidPtr(a.ID), err)
		return
	}
	to, ok, err := resolveResponder(ctx, s.directory, role, c.Zone())
	if err != nil {
		log.Error().Err(err).Msg("resolve escalation responder")
		tally.failed(a.CaseID, uuidPtr(a.ID), err)
		return
	}
	if !ok {
		log.Warn().Str("role", string(role)).Msg("no responder available for escalation")
		tally.skipped(SkippedCase{CaseID: a.CaseID, AssignmentID: uuidPtr(a.ID), Level: a.EscalationLevel, Reason: SkipNoResponder})
		return
	}

	var notice EscalationNotice
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCaseForUpdate(ctx, a.CaseID)
		if err != nil {
			return err
		}
		if err := s.repo.MarkEscalated(ctx, a.ID); err != nil {
			return err
		}
		na, err := s.escalate(ctx, c, a, to, role, next, ReasonTimeout, now)
		if err != nil {
			return err
		}
		notice = escalationNotice(c, na)
		return nil
	})
	switch {
	case lostRace(err):
		log.Debug().Err(err).Msg("assignment already handled by another writer")
		return
	case err != nil:
		log.Error().Err(err).Msg("escalation failed")
		tally.failed(a.CaseID, uuidPtr(a.ID), err)
		return
	}

	log.Info().Int("to_level", next).Str("to_user", to).Msg("case escalated")
	tally.escalated(Escalation{CaseID: a.CaseID, FromLevel: a.EscalationLevel, ToLevel: next, ToRole: role, ToUser: to, Reason: ReasonTimeout})
	s.events.Escalation(ctx, notice)
}

// escalate writes the successor assignment, its escalation event and the
// case projection. from may be nil when there is no prior rung.
func (s *Service) escalate(ctx context.Context, c *TriageCase, from *RoutingAssignment, to string, role Role, level int, reason EscalationReason, now time.Time) (*RoutingAssignment, error) {
	na := &RoutingAssignment{
		ID:                 uuid.New(),
		CaseID:             c.ID,
		AssignedTo:         to,
		AssignedRole:       role,
		EscalationLevel:    level,
		EscalationDeadline: deadlineFor(level, now, s.window),
		Status:             AssignmentPending,
		CreatedAt:          now,
	}
	if err := s.repo.CreateAssignment(ctx, na); err != nil {
		return nil, err
	}

	ev := &EscalationEvent{
		ID:          uuid.New(),
		CaseID:      c.ID,
		ToResponder: to,
		ToRole:      role,
		ToLevel:     level,
		Reason:      reason,
		CreatedAt:   now,
	}
	if from != nil {
		ev.FromResponder = strPtr(from.AssignedTo)
		fromRole := from.AssignedRole
		ev.FromRole = &fromRole
		ev.FromLevel = intPtr(from.EscalationLevel)
	}
	if err := s.repo.CreateEscalationEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record escalation event: %w", err)
	}

	c.Status = StatusAssigned
	c.AssignedTo = strPtr(to)
	c.EscalationStatus = EscalationStatusForLevel(level)
	if err := s.repo.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}

	details := map[string]interface{}{
		"assignment_id": na.ID.String(),
		"to_level":      level,
		"to_role":       string(role),
		"to_user":       to,
		"reason":        string(reason),
	}
	if from != nil {
		details["from_level"] = from.EscalationLevel
		details["from_user"] = from.AssignedTo
	}
	if err := s.audit(ctx, AuditEscalationTriggered, c, "", now, details); err != nil {
		return nil, fmt.Errorf("audit escalation: %w", err)
	}
	return na, nil
}

// reconcile gives a stranded ESI-2 case its next rung: the first-line
// physician when it never had one, otherwise the rung after the highest one
// it reached.
func (s *Service) reconcile(ctx context.Context, c *TriageCase, now time.Time, tally *sweepTally) {
	log := s.logger.With().Str("case_id", c.ID.String()).Logger()

	history, err := s.repo.ListAssignments(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Msg("load assignment history")
		tally.failed(c.ID, nil, err)
		return
	}
	var prev *RoutingAssignment
	next := 0
	if n := len(history); n > 0 {
		prev = history[n-1]
		next = prev.EscalationLevel + 1
	}
	role, ok := RoleForLevel(next)
	if !ok {
		tally.skipped(SkippedCase{CaseID: c.ID, AssignmentID: uuidPtr(prev.ID), Level: prev.EscalationLevel, Reason: SkipLadderExhausted})
		return
	}
	to, ok, err := resolveResponder(ctx, s.directory, role, c.Zone())
	if err != nil {
		log.Error().Err(err).Msg("resolve responder for stranded case")
		tally.failed(c.ID, nil, err)
		return
	}
	if !ok {
		level := -1
		if prev != nil {
			level = prev.EscalationLevel
		}
		log.Warn().Str("role", string(role)).Msg("stranded case still has no responder")
		tally.skipped(SkippedCase{CaseID: c.ID, Level: level, Reason: SkipNoResponder})
		return
	}

	var emit func(context.Context)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetCaseForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		if (cur.Status != StatusValidated && cur.Status != StatusAssigned) || !cur.EscalationStatus.IsOpen() {
			return errSettled
		}
		pending, err := s.repo.GetPendingAssignment(ctx, c.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			return errSettled
		}
		if prev == nil {
			a, err := s.assign(ctx, cur, to, 0, "", now)
			if err != nil {
				return err
			}
			cur.EscalationStatus = EscalationPending
			if err := s.repo.UpdateCase(ctx, cur); err != nil {
				return fmt.Errorf("update case: %w", err)
			}
			notice := CaseAssignedNotice{
				CaseID:         cur.ID,
				AssignedTo:     to,
				ESILevel:       cur.ESI(),
				Deadline:       a.EscalationDeadline,
				Zone:           cur.Zone(),
				PatientSummary: cur.PatientSummary,
			}
			emit = func(ctx context.Context) {
				tally.assigned(LateAssignment{CaseID: cur.ID, AssignedTo: to, Deadline: a.EscalationDeadline})
				s.events.CaseAssigned(ctx, notice)
			}
			return nil
		}
		na, err := s.escalate(ctx, cur, prev, to, role, next, ReasonUnavailable, now)
		if err != nil {
			return err
		}
		notice := escalationNotice(cur, na)
		emit = func(ctx context.Context) {
			tally.escalated(Escalation{CaseID: cur.ID, FromLevel: prev.EscalationLevel, ToLevel: next, ToRole: role, ToUser: to, Reason: ReasonUnavailable})
			s.events.Escalation(ctx, notice)
		}
		return nil
	})
	switch {
	case errors.Is(err, errSettled) || lostRace(err):
		log.Debug().Err(err).Msg("stranded case settled by another writer")
		return
	case err != nil:
		log.Error().Err(err).Msg("repair stranded case")
		tally.failed(c.ID, nil, err)
		return
	}
	log.Info().Int("level", next).Str("to_user", to).Msg("stranded case routed")
	emit(ctx)
}

func escalationNotice(c *TriageCase, a *RoutingAssignment) EscalationNotice {
	return EscalationNotice{
		CaseID:          c.ID,
		PatientID:       c.PatientID,
		ESILevel:        c.ESI(),
		EscalationLevel: a.EscalationLevel,
		AssignedTo:      a.AssignedTo,
		AssignedRole:    a.AssignedRole,
		Deadline:        a.EscalationDeadline,
		Zone:            c.Zone(),
		PatientSummary:  c.PatientSummary,
	}
}

// Run sweeps on every tick until ctx is cancelled. A non-positive interval
// returns immediately.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepEscalations(ctx); err != nil {
				s.logger.Error().Err(err).Msg("escalation sweep failed")
			}
		}
	}
}
