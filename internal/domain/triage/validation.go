package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (r *ValidateRequest) check() error {
	switch r.Action {
	case ActionConfirm:
		return nil
	case ActionOverride:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, r.Action)
	}
	if r.OverrideESI == nil || r.OverrideRationale == nil || *r.OverrideRationale == "" {
		return ErrOverrideIncomplete
	}
	if !validESI(*r.OverrideESI) {
		return fmt.Errorf("%w: got %d", ErrInvalidESI, *r.OverrideESI)
	}
	if !r.OverrideRationale.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRationale, *r.OverrideRationale)
	}
	return nil
}

// ValidateTriage finalises the case ESI from the AI draft or a clinician
// override and makes the first routing decision. Everything is written in one
// transaction; events go out after commit. It is not safe to retry blindly.
func (s *Service) ValidateTriage(ctx context.Context, caseID uuid.UUID, req ValidateRequest, actor string) (*ValidateResult, error) {
	if err := req.check(); err != nil {
		return nil, err
	}

	now := s.clock()
	var (
		result ValidateResult
		after  func(context.Context)
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.IsValidated() {
			return fmt.Errorf("case %s is %s: %w", caseID, c.Status, ErrAlreadyValidated)
		}
		if c.Status != StatusAwaitingValidation {
			return fmt.Errorf("case %s is %s: %w", caseID, c.Status, ErrInvalidTransition)
		}

		var finalESI int
		if req.Action == ActionConfirm {
			if c.AIDraftESI == nil {
				return ErrNoDraft
			}
			finalESI = *c.AIDraftESI
		} else {
			finalESI = *req.OverrideESI
			c.IsOverride = true
			c.OverrideRationale = req.OverrideRationale
			c.OverrideNotes = req.OverrideNotes
		}
		c.ValidatedESI = intPtr(finalESI)
		c.ValidatedAt = &now
		if actor != "" {
			c.ValidatedBy = strPtr(actor)
		}
		c.Status = StatusValidated

		action := AuditTriageValidated
		details := map[string]interface{}{"new_esi": finalESI, "action": string(req.Action)}
		if c.AIDraftESI != nil {
			details["old_esi"] = *c.AIDraftESI
		}
		if c.IsOverride {
			action = AuditTriageOverridden
			details["rationale"] = string(*c.OverrideRationale)
		}
		if err := s.audit(ctx, action, c, actor, now, details); err != nil {
			return fmt.Errorf("audit validation: %w", err)
		}

		routing, emit, err := s.route(ctx, c, actor, now)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}

		result = ValidateResult{ValidatedESI: finalESI, IsOverride: c.IsOverride, Routing: routing}
		after = emit
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("case_id", caseID.String()).
		Int("esi", result.ValidatedESI).
		Bool("override", result.IsOverride).
		Str("routing", string(result.Routing.Type)).
		Msg("triage validated")
	if after != nil {
		after(ctx)
	}
	return &result, nil
}

// route applies the severity routing to a freshly validated case. The case
// is mutated in place; the returned func publishes the matching event.
func (s *Service) route(ctx context.Context, c *TriageCase, actor string, now time.Time) (Routing, func(context.Context), error) {
	esi := c.ESI()
	switch {
	case esi == 1:
		c.Status = StatusAssigned
		c.EscalationStatus = EscalationPending
		notice := CriticalCaseNotice{
			CaseID:         c.ID,
			PatientID:      c.PatientID,
			ESILevel:       esi,
			Zone:           c.Zone(),
			PatientSummary: c.PatientSummary,
		}
		return Routing{Type: RoutingBroadcast}, func(ctx context.Context) { s.events.CriticalCase(ctx, notice) }, nil

	case esi == 2:
		c.EscalationStatus = EscalationPending
		responder, ok, err := resolveResponder(ctx, s.directory, RolePhysician, c.Zone())
		if err != nil {
			return Routing{}, nil, err
		}
		if !ok {
			s.logger.Warn().Str("case_id", c.ID.String()).Str("zone", c.Zone()).
				Msg("no physician available for ESI 2 case")
			return Routing{Type: RoutingEscalationNeeded, Reason: "no physician available"}, nil, nil
		}
		a, err := s.assign(ctx, c, responder, 0, actor, now)
		if err != nil {
			return Routing{}, nil, err
		}
		notice := CaseAssignedNotice{
			CaseID:         c.ID,
			AssignedTo:     responder,
			ESILevel:       esi,
			Deadline:       a.EscalationDeadline,
			Zone:           c.Zone(),
			PatientSummary: c.PatientSummary,
		}
		routing := Routing{Type: RoutingAssigned, AssignedTo: responder, Deadline: a.EscalationDeadline}
		return routing, func(ctx context.Context) { s.events.CaseAssigned(ctx, notice) }, nil

	default:
		c.EscalationStatus = EscalationNone
		return Routing{Type: RoutingQueued}, nil, nil
	}
}

// assign creates a pending assignment and projects it onto the case.
func (s *Service) assign(ctx context.Context, c *TriageCase, responder string, level int, actor string, now time.Time) (*RoutingAssignment, error) {
	role, _ := RoleForLevel(level)
	a := &RoutingAssignment{
		ID:                 uuid.New(),
		CaseID:             c.ID,
		AssignedTo:         responder,
		AssignedRole:       role,
		EscalationLevel:    level,
		EscalationDeadline: deadlineFor(level, now, s.window),
		Status:             AssignmentPending,
		CreatedAt:          now,
	}
	if err := s.repo.CreateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	c.Status = StatusAssigned
	c.AssignedTo = strPtr(responder)

	details := map[string]interface{}{
		"assignment_id":    a.ID.String(),
		"assigned_to":      responder,
		"assigned_role":    string(role),
		"escalation_level": level,
	}
	if a.EscalationDeadline != nil {
		details["deadline"] = a.EscalationDeadline
	}
	if err := s.audit(ctx, AuditCaseAssigned, c, actor, now, details); err != nil {
		return nil, fmt.Errorf("audit assignment: %w", err)
	}
	return a, nil
}
