package triage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultResponseWindow is how long a responder has to acknowledge before
// the case moves up the ladder.
const DefaultResponseWindow = 2 * time.Minute

// TerminalLevel is the last rung; it carries no deadline.
const TerminalLevel = 2

type Status string

const (
	StatusAwaitingValidation Status = "awaiting-validation"
	StatusValidated          Status = "validated"
	StatusAssigned           Status = "assigned"
	StatusAcknowledged       Status = "acknowledged"
	StatusInTreatment        Status = "in-treatment"
	StatusDischarged         Status = "discharged"
)

// IsValidated reports whether a case in this status carries a validated ESI.
func (s Status) IsValidated() bool {
	switch s {
	case StatusValidated, StatusAssigned, StatusAcknowledged, StatusInTreatment, StatusDischarged:
		return true
	}
	return false
}

type EscalationStatus string

const (
	EscalationNone     EscalationStatus = "none"
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
)

// EscalationStatusForLevel maps a ladder rung to the case projection:
// level N is written as "level-(N+1)".
func EscalationStatusForLevel(level int) EscalationStatus {
	return EscalationStatus("level-" + strconv.Itoa(level+1))
}

// Escalated reports whether the case has moved past its first-line rung.
func (e EscalationStatus) Escalated() bool {
	return e == EscalationStatusForLevel(1) || e == EscalationStatusForLevel(2)
}

// IsOpen reports whether the escalation ladder is still running.
func (e EscalationStatus) IsOpen() bool {
	switch e {
	case EscalationNone, EscalationResolved:
		return false
	}
	return true
}

type Role string

const (
	RolePhysician       Role = "physician"
	RoleSeniorPhysician Role = "senior_physician"
	RoleChargeNurse     Role = "charge_nurse"
)

// ladder lists the responder role for each escalation level.
var ladder = [...]Role{RolePhysician, RoleSeniorPhysician, RoleChargeNurse}

// RoleForLevel returns the responder role at a rung of the ladder.
func RoleForLevel(level int) (Role, bool) {
	if level < 0 || level >= len(ladder) {
		return "", false
	}
	return ladder[level], true
}

func (r Role) Valid() bool {
	for _, l := range ladder {
		if r == l {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionOverride Action = "override"
)

type OverrideRationale string

const (
	RationaleClinicalJudgment   OverrideRationale = "clinical-judgment"
	RationaleAdditionalFindings OverrideRationale = "additional-findings"
	RationalePatientHistory     OverrideRationale = "patient-history"
	RationaleVitalChange        OverrideRationale = "vital-change"
	RationaleSymptomEvolution   OverrideRationale = "symptom-evolution"
	RationaleFamilyConcern      OverrideRationale = "family-concern"
	RationaleOther              OverrideRationale = "other"
)

func (r OverrideRationale) Valid() bool {
	switch r {
	case RationaleClinicalJudgment, RationaleAdditionalFindings, RationalePatientHistory,
		RationaleVitalChange, RationaleSymptomEvolution, RationaleFamilyConcern, RationaleOther:
		return true
	}
	return false
}

func validESI(esi int) bool { return esi >= 1 && esi <= 5 }

// PatientSummary travels with every notification so it renders without a
// follow-up lookup.
type PatientSummary struct {
	ChiefComplaint string `json:"chief_complaint"`
	Age            *int   `json:"age,omitempty"`
	Sex            string `json:"sex,omitempty"`
	KeyVitals      string `json:"key_vitals,omitempty"`
}

// Attributes flattens the summary for template rendering.
func (p PatientSummary) Attributes() map[string]string {
	out := map[string]string{
		"chief_complaint": p.ChiefComplaint,
		"sex":             p.Sex,
		"vitals":          p.KeyVitals,
		"age":             "age unknown",
	}
	if p.Age != nil {
		out["age"] = strconv.Itoa(*p.Age)
	}
	return out
}

type TriageCase struct {
	ID             uuid.UUID      `json:"id"`
	PatientID      uuid.UUID      `json:"patient_id"`
	PatientSummary PatientSummary `json:"patient_summary"`

	AIDraftESI        *int               `json:"ai_draft_esi,omitempty"`
	AIDraftRationale  *string            `json:"ai_draft_rationale,omitempty"`
	ValidatedESI      *int               `json:"validated_esi,omitempty"`
	IsOverride        bool               `json:"is_override"`
	OverrideRationale *OverrideRationale `json:"override_rationale,omitempty"`
	OverrideNotes     *string            `json:"override_notes,omitempty"`

	Status           Status           `json:"status"`
	AssignedTo       *string          `json:"assigned_to,omitempty"`
	AssignedZone     *string          `json:"assigned_zone,omitempty"`
	EscalationStatus EscalationStatus `json:"escalation_status"`
	AcknowledgedAt   *time.Time       `json:"acknowledged_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	ValidatedBy *string    `json:"validated_by,omitempty"`
}

// Zone returns the assigned zone or "".
func (c *TriageCase) Zone() string {
	if c.AssignedZone == nil {
		return ""
	}
	return *c.AssignedZone
}

// ESI returns the validated ESI, or 0 before validation.
func (c *TriageCase) ESI() int {
	if c.ValidatedESI == nil {
		return 0
	}
	return *c.ValidatedESI
}

type AssignmentStatus string

const (
	AssignmentPending      AssignmentStatus = "pending"
	AssignmentAcknowledged AssignmentStatus = "acknowledged"
	AssignmentEscalated    AssignmentStatus = "escalated"
)

type RoutingAssignment struct {
	ID                 uuid.UUID        `json:"id"`
	CaseID             uuid.UUID        `json:"case_id"`
	AssignedTo         string           `json:"assigned_to"`
	AssignedRole       Role             `json:"assigned_role"`
	EscalationLevel    int              `json:"escalation_level"`
	EscalationDeadline *time.Time       `json:"escalation_deadline,omitempty"`
	Status             AssignmentStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	AcknowledgedAt     *time.Time       `json:"acknowledged_at,omitempty"`
	ResponseTimeMs     *int64           `json:"response_time_ms,omitempty"`
}

// deadlineFor returns the escalation deadline for a new assignment at level.
func deadlineFor(level int, now time.Time, window time.Duration) *time.Time {
	if level >= TerminalLevel {
		return nil
	}
	d := now.Add(window)
	return &d
}

type EscalationReason string

const (
	ReasonTimeout     EscalationReason = "timeout"
	ReasonUnavailable EscalationReason = "unavailable"
	ReasonManual      EscalationReason = "manual"
)

type EscalationEvent struct {
	ID            uuid.UUID        `json:"id"`
	CaseID        uuid.UUID        `json:"case_id"`
	FromResponder *string          `json:"from_responder,omitempty"`
	FromRole      *Role            `json:"from_role,omitempty"`
	FromLevel     *int             `json:"from_level,omitempty"`
	ToResponder   string           `json:"to_responder"`
	ToRole        Role             `json:"to_role"`
	ToLevel       int              `json:"to_level"`
	Reason        EscalationReason `json:"reason"`
	Notes         *string          `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type AuditAction string

const (
	AuditCaseCreated         AuditAction = "case_created"
	AuditAITriageCompleted   AuditAction = "ai_triage_completed"
	AuditTriageValidated     AuditAction = "triage_validated"
	AuditTriageOverridden    AuditAction = "triage_overridden"
	AuditCaseAssigned        AuditAction = "case_assigned"
	AuditCaseAcknowledged    AuditAction = "case_acknowledged"
	AuditEscalationTriggered AuditAction = "escalation_triggered"
	AuditEscalationResolved  AuditAction = "escalation_resolved"
	AuditStatusChanged       AuditAction = "status_changed"
)

type AuditLog struct {
	ID        uuid.UUID              `json:"id"`
	Action    AuditAction            `json:"action"`
	CaseID    *uuid.UUID             `json:"case_id,omitempty"`
	PatientID *uuid.UUID             `json:"patient_id,omitempty"`
	ActorID   *string                `json:"actor_id,omitempty"`
	Details   map[string]interface{} `json:"details"`
	CreatedAt time.Time              `json:"created_at"`
}

// Responder is a clinician who can hold a rung of the ladder.
type Responder struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Zone        string    `json:"zone"`
	Available   bool      `json:"available"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *Responder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("responder id is required")
	}
	if !r.Role.Valid() {
		return fmt.Errorf("role %q is not on the escalation ladder", r.Role)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operation results
// ---------------------------------------------------------------------------

type RoutingType string

const (
	RoutingBroadcast        RoutingType = "broadcast"
	RoutingAssigned         RoutingType = "assigned"
	RoutingQueued           RoutingType = "queued"
	RoutingEscalationNeeded RoutingType = "escalation_needed"
)

type Routing struct {
	Type       RoutingType `json:"type"`
	AssignedTo string      `json:"assigned_to,omitempty"`
	Deadline   *time.Time  `json:"deadline,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

type ValidateRequest struct {
	Action            Action             `json:"action"`
	OverrideESI       *int               `json:"override_esi,omitempty"`
	OverrideRationale *OverrideRationale `json:"override_rationale,omitempty"`
	OverrideNotes     *string            `json:"override_notes,omitempty"`
}

type ValidateResult struct {
	ValidatedESI int     `json:"validated_esi"`
	IsOverride   bool    `json:"is_override"`
	Routing      Routing `json:"routing"`
}

type AcknowledgeResult struct {
	AcknowledgedAt time.Time  `json:"acknowledged_at"`
	ResponseTimeMs *int64     `json:"response_time_ms,omitempty"`
	MetTarget      bool       `json:"met_target"`
	AssignmentID   *uuid.UUID `json:"assignment_id,omitempty"`
}

type Escalation struct {
	CaseID    uuid.UUID        `json:"case_id"`
	FromLevel int              `json:"from_level"`
	ToLevel   int              `json:"to_level"`
	ToRole    Role             `json:"to_role"`
	ToUser    string           `json:"to_user"`
	Reason    EscalationReason `json:"reason"`
}

// LateAssignment is a first-line assignment made by the sweeper for a case
// that found no physician at validation time.
type LateAssignment struct {
	CaseID     uuid.UUID  `json:"case_id"`
	AssignedTo string     `json:"assigned_to"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

type SkipReason string

const (
	SkipLadderExhausted SkipReason = "ladder_exhausted"
	SkipNoResponder     SkipReason = "no_responder"
)

type SkippedCase struct {
	CaseID       uuid.UUID  `json:"case_id"`
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
	Level        int        `json:"level"`
	Reason       SkipReason `json:"reason"`
}

type FailedCase struct {
	CaseID       uuid.UUID  `json:"case_id"`
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
	Error        string     `json:"error"`
}

type SweepResult struct {
	Escalations []Escalation     `json:"escalations"`
	Assigned    []LateAssignment `json:"assigned"`
	Skipped     []SkippedCase    `json:"skipped"`
	Failed      []FailedCase     `json:"failed"`
}

// OverdueItem is one row of the overdue board.
type OverdueItem struct {
	Case       *TriageCase        `json:"case"`
	Assignment *RoutingAssignment `json:"assignment,omitempty"`
	OverdueBy  string             `json:"overdue_by,omitempty"`
}
