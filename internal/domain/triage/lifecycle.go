package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CreateCaseRequest struct {
	PatientID        uuid.UUID      `json:"patient_id"`
	Zone             string         `json:"zone,omitempty"`
	PatientSummary   PatientSummary `json:"patient_summary"`
	AIDraftESI       *int           `json:"ai_draft_esi,omitempty"`
	AIDraftRationale *string        `json:"ai_draft_rationale,omitempty"`
}

type AIDraftRequest struct {
	ESI       int    `json:"esi"`
	Rationale string `json:"rationale"`
}

// CreateCase opens a case awaiting validation. A draft supplied up front is
// recorded as if the AI had just completed.
func (s *Service) CreateCase(ctx context.Context, req CreateCaseRequest, actor string) (*TriageCase, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.PatientSummary.ChiefComplaint) == "" {
		return nil, fmt.Errorf("%w: patient_summary.chief_complaint is required", ErrInvalidInput)
	}
	if req.AIDraftESI != nil && !validESI(*req.AIDraftESI) {
		return nil, fmt.Errorf("ai_draft_esi: %w", ErrInvalidESI)
	}

	now := s.clock()
	c := &TriageCase{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		PatientSummary:   req.PatientSummary,
		AIDraftESI:       req.AIDraftESI,
		AIDraftRationale: req.AIDraftRationale,
		Status:           StatusAwaitingValidation,
		EscalationStatus: EscalationNone,
	}
	if req.Zone != "" {
		c.AssignedZone = strPtr(req.Zone)
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateCase(ctx, c); err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if err := s.audit(ctx, AuditCaseCreated, c, actor, now, map[string]interface{}{"zone": req.Zone}); err != nil {
			return err
		}
		if c.AIDraftESI != nil {
			return s.audit(ctx, AuditAITriageCompleted, c, "", now, map[string]interface{}{"ai_draft_esi": *c.AIDraftESI})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RecordAIDraft attaches the AI suggestion. Drafts can be replaced until the
// case is validated.
func (s *Service) RecordAIDraft(ctx context.Context, caseID uuid.UUID, req AIDraftRequest) (*TriageCase, error) {
	if !validESI(req.ESI) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidESI, req.ESI)
	}
	now := s.clock()
	var out *TriageCase
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != StatusAwaitingValidation {
			return ErrAlreadyValidated
		}
		details := map[string]interface{}{"ai_draft_esi": req.ESI}
		if c.AIDraftESI != nil {
			details["previous_esi"] = *c.AIDraftESI
		}
		c.AIDraftESI = intPtr(req.ESI)
		if req.Rationale != "" {
			c.AIDraftRationale = strPtr(req.Rationale)
		}
		if err := s.repo.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		out = c
		return s.audit(ctx, AuditAITriageCompleted, c, "", now, details)
	})
	return out, err
}

// StartTreatment moves an acknowledged case into treatment.
func (s *Service) StartTreatment(ctx context.Context, caseID uuid.UUID, actor string) (*TriageCase, error) {
	return s.transition(ctx, caseID, actor, StatusInTreatment, StatusAcknowledged)
}

// Discharge closes a case. Queued low-acuity cases may be discharged
// straight from the track board.
func (s *Service) Discharge(ctx context.Context, caseID uuid.UUID, actor string) (*TriageCase, error) {
	return s.transition(ctx, caseID, actor, StatusDischarged, StatusInTreatment, StatusAcknowledged, StatusValidated)
}

func (s *Service) transition(ctx context.Context, caseID uuid.UUID, actor string, to Status, from ...Status) (*TriageCase, error) {
	now := s.clock()
	var out *TriageCase
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if c.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%s -> %s: %w", c.Status, to, ErrInvalidTransition)
		}
		prev := c.Status
		c.Status = to
		if err := s.repo.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		out = c
		return s.audit(ctx, AuditStatusChanged, c, actor, now, map[string]interface{}{
			"from": string(prev),
			"to":   string(to),
		})
	})
	return out, err
}

// -- Read models --

func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (*TriageCase, error) {
	return s.repo.GetCase(ctx, id)
}

func (s *Service) ListAssignments(ctx context.Context, caseID uuid.UUID) ([]*RoutingAssignment, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListAssignments(ctx, caseID)
}

func (s *Service) ListEscalations(ctx context.Context, caseID uuid.UUID) ([]*EscalationEvent, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListEscalationEvents(ctx, caseID)
}

func (s *Service) ListAuditLogs(ctx context.Context, caseID uuid.UUID) ([]*AuditLog, error) {
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, caseID)
}

// TrackBoard lists the passive ESI 3-5 queue.
func (s *Service) TrackBoard(ctx context.Context, limit, offset int) ([]*TriageCase, int, error) {
	return s.repo.ListQueue(ctx, limit, offset)
}

// OverdueBoard lists pending assignments past their deadline and ESI 1-2
// cases that have been waiting longer than the response window with nobody
// holding them.
func (s *Service) OverdueBoard(ctx context.Context, limit int) ([]OverdueItem, error) {
	now := s.clock()
	overdue, err := s.repo.ListOverdue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue assignments: %w", err)
	}
	items := make([]OverdueItem, 0, len(overdue))
	for _, a := range overdue {
		c, err := s.repo.GetCase(ctx, a.CaseID)
		if err != nil {
			return nil, fmt.Errorf("load case %s: %w", a.CaseID, err)
		}
		items = append(items, OverdueItem{Case: c, Assignment: a, OverdueBy: overdueBy(now, *a.EscalationDeadline)})
	}

	stranded, err := s.repo.ListStranded(ctx, []int{1, 2}, now.Add(-s.window), limit)
	if err != nil {
		return nil, fmt.Errorf("list stranded cases: %w", err)
	}
	for _, c := range stranded {
		item := OverdueItem{Case: c}
		if c.ValidatedAt != nil {
			item.OverdueBy = overdueBy(now, c.ValidatedAt.Add(s.window))
		}
		items = append(items, item)
	}
	return items, nil
}

func overdueBy(now, due time.Time) string {
	return now.Sub(due).Truncate(time.Second).String()
}
