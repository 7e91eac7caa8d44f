package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AcknowledgeCase records that actor has taken the case and stops the
// escalation ladder. assignmentID is optional; when it is missing or no
// longer pending the case's current pending assignment is used. Cases with
// no pending assignment (ESI-1 broadcasts) are still acknowledged.
func (s *Service) AcknowledgeCase(ctx context.Context, caseID uuid.UUID, assignmentID *uuid.UUID, actor string) (*AcknowledgeResult, error) {
	now := s.clock()
	result := AcknowledgeResult{AcknowledgedAt: now, MetTarget: true}
	var zone string

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetCaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != StatusValidated && c.Status != StatusAssigned {
			return fmt.Errorf("acknowledge case in status %s: %w", c.Status, ErrInvalidTransition)
		}
		zone = c.Zone()

		var a *RoutingAssignment
		if assignmentID != nil {
			a, err = s.repo.GetAssignment(ctx, *assignmentID)
			if err != nil {
				return err
			}
			if a.CaseID != caseID {
				return fmt.Errorf("assignment %s belongs to another case: %w", a.ID, ErrAssignmentNotFound)
			}
			if a.Status != AssignmentPending {
				a = nil
			}
		}
		if a == nil {
			if a, err = s.repo.GetPendingAssignment(ctx, caseID); err != nil {
				return err
			}
		}

		details := map[string]interface{}{}
		if a != nil {
			ms := now.Sub(a.CreatedAt).Milliseconds()
			result.ResponseTimeMs = &ms
			result.MetTarget = a.EscalationDeadline == nil || now.Before(*a.EscalationDeadline)
			result.AssignmentID = uuidPtr(a.ID)
			if err := s.repo.AcknowledgeAssignment(ctx, a.ID, now, ms); err != nil {
				return fmt.Errorf("acknowledge assignment %s: %w", a.ID, err)
			}
			details["assignment_id"] = a.ID.String()
			details["escalation_level"] = a.EscalationLevel
			details["response_time_ms"] = ms
		}
		details["met_target"] = result.MetTarget

		escalated := c.EscalationStatus.Escalated()
		previous := c.EscalationStatus

		c.Status = StatusAcknowledged
		c.AcknowledgedAt = &now
		if actor != "" {
			c.AssignedTo = strPtr(actor)
		}
		c.EscalationStatus = EscalationResolved
		if err := s.repo.UpdateCase(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}

		if err := s.audit(ctx, AuditCaseAcknowledged, c, actor, now, details); err != nil {
			return fmt.Errorf("audit acknowledgment: %w", err)
		}
		if escalated {
			if err := s.audit(ctx, AuditEscalationResolved, c, actor, now, map[string]interface{}{
				"escalation_status": string(previous),
			}); err != nil {
				return fmt.Errorf("audit escalation resolved: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAssignmentNotPending) {
			s.logger.Warn().Str("case_id", caseID.String()).Msg("assignment changed during acknowledgment")
		}
		return nil, err
	}

	log := s.logger.Info().Str("case_id", caseID.String()).Str("by", actor).Bool("met_target", result.MetTarget)
	if result.ResponseTimeMs != nil {
		log = log.Int64("response_time_ms", *result.ResponseTimeMs)
	}
	log.Msg("case acknowledged")

	s.events.CaseAcknowledged(ctx, CaseAcknowledgedNotice{
		CaseID:         caseID,
		AcknowledgedBy: actor,
		ResponseTimeMs: result.ResponseTimeMs,
		MetTarget:      result.MetTarget,
		Zone:           zone,
	})
	return &result, nil
}
