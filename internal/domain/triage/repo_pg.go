package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// -- Cases --

const caseCols = `id, patient_id, patient_summary, ai_draft_esi, ai_draft_rationale,
	validated_esi, is_override, override_rationale, override_notes,
	status, assigned_to, assigned_zone, escalation_status, acknowledged_at,
	created_at, updated_at, validated_at, validated_by`

func (r *repoPG) CreateCase(ctx context.Context, c *TriageCase) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO triage_case (
			id, patient_id, patient_summary, ai_draft_esi, ai_draft_rationale,
			status, assigned_zone, escalation_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.PatientSummary, c.AIDraftESI, c.AIDraftRationale,
		c.Status, c.AssignedZone, c.EscalationStatus,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *repoPG) GetCase(ctx context.Context, id uuid.UUID) (*TriageCase, error) {
	return scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM triage_case WHERE id = $1`, id))
}

func (r *repoPG) GetCaseForUpdate(ctx context.Context, id uuid.UUID) (*TriageCase, error) {
	return scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM triage_case WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) UpdateCase(ctx context.Context, c *TriageCase) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE triage_case SET
			patient_summary=$2, ai_draft_esi=$3, ai_draft_rationale=$4,
			validated_esi=$5, is_override=$6, override_rationale=$7, override_notes=$8,
			status=$9, assigned_to=$10, assigned_zone=$11, escalation_status=$12,
			acknowledged_at=$13, validated_at=$14, validated_by=$15, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.PatientSummary, c.AIDraftESI, c.AIDraftRationale,
		c.ValidatedESI, c.IsOverride, c.OverrideRationale, c.OverrideNotes,
		c.Status, c.AssignedTo, c.AssignedZone, c.EscalationStatus,
		c.AcknowledgedAt, c.ValidatedAt, c.ValidatedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (r *repoPG) ListQueue(ctx context.Context, limit, offset int) ([]*TriageCase, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM triage_case WHERE status = 'validated' AND validated_esi >= 3`,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM triage_case
		WHERE status = 'validated' AND validated_esi >= 3
		ORDER BY validated_esi, created_at
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	cases, err := collectCases(rows)
	return cases, total, err
}

func (r *repoPG) ListStranded(ctx context.Context, esi []int, validatedBefore time.Time, limit int) ([]*TriageCase, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM triage_case c
		WHERE c.validated_esi = ANY($1)
		  AND c.status IN ('validated', 'assigned')
		  AND c.escalation_status IN ('pending', 'level-1', 'level-2', 'level-3')
		  AND c.validated_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM routing_assignment a WHERE a.case_id = c.id AND a.status = 'pending')
		ORDER BY c.validated_esi, c.validated_at
		LIMIT $3`, esi, validatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectCases(rows)
}

func scanCase(row pgx.Row) (*TriageCase, error) {
	var c TriageCase
	err := row.Scan(
		&c.ID, &c.PatientID, &c.PatientSummary, &c.AIDraftESI, &c.AIDraftRationale,
		&c.ValidatedESI, &c.IsOverride, &c.OverrideRationale, &c.OverrideNotes,
		&c.Status, &c.AssignedTo, &c.AssignedZone, &c.EscalationStatus, &c.AcknowledgedAt,
		&c.CreatedAt, &c.UpdatedAt, &c.ValidatedAt, &c.ValidatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectCases(rows pgx.Rows) ([]*TriageCase, error) {
	defer rows.Close()
	var cases []*TriageCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// -- Assignments --

const assignmentCols = `id, case_id, assigned_to, assigned_role, escalation_level,
	escalation_deadline, status, created_at, acknowledged_at, response_time_ms`

func (r *repoPG) CreateAssignment(ctx context.Context, a *RoutingAssignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO routing_assignment (
			id, case_id, assigned_to, assigned_role, escalation_level,
			escalation_deadline, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.CaseID, a.AssignedTo, a.AssignedRole, a.EscalationLevel,
		a.EscalationDeadline, a.Status, a.CreatedAt,
	)
	return assignmentInsertError(err, a.CaseID, a.EscalationLevel)
}

// assignmentInsertError maps a violation of either partial unique index on
// routing_assignment to ErrAssignmentConflict.
func assignmentInsertError(err error, caseID uuid.UUID, level int) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("case %s level %d: %w", caseID, level, ErrAssignmentConflict)
	}
	return err
}

func (r *repoPG) GetAssignment(ctx context.Context, id uuid.UUID) (*RoutingAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM routing_assignment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (r *repoPG) GetPendingAssignment(ctx context.Context, caseID uuid.UUID) (*RoutingAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+` FROM routing_assignment
		WHERE case_id = $1 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *repoPG) ListAssignments(ctx context.Context, caseID uuid.UUID) ([]*RoutingAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+` FROM routing_assignment
		WHERE case_id = $1 ORDER BY escalation_level`, caseID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (r *repoPG) MarkEscalated(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE routing_assignment SET status = 'escalated'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotPending
	}
	return nil
}

func (r *repoPG) AcknowledgeAssignment(ctx context.Context, id uuid.UUID, at time.Time, responseTimeMs int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE routing_assignment
		SET status = 'acknowledged', acknowledged_at = $2, response_time_ms = $3
		WHERE id = $1 AND status = 'pending'`, id, at, responseTimeMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotPending
	}
	return nil
}

func (r *repoPG) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*RoutingAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+` FROM routing_assignment
		WHERE status = 'pending' AND escalation_deadline IS NOT NULL AND escalation_deadline < $1
		ORDER BY escalation_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func scanAssignment(row pgx.Row) (*RoutingAssignment, error) {
	var a RoutingAssignment
	err := row.Scan(
		&a.ID, &a.CaseID, &a.AssignedTo, &a.AssignedRole, &a.EscalationLevel,
		&a.EscalationDeadline, &a.Status, &a.CreatedAt, &a.AcknowledgedAt, &a.ResponseTimeMs,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAssignments(rows pgx.Rows) ([]*RoutingAssignment, error) {
	defer rows.Close()
	var out []*RoutingAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// -- Escalation events --

func (r *repoPG) CreateEscalationEvent(ctx context.Context, e *EscalationEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO escalation_event (
			id, case_id, from_responder, from_role, from_level,
			to_responder, to_role, to_level, reason, notes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.CaseID, e.FromResponder, e.FromRole, e.FromLevel,
		e.ToResponder, e.ToRole, e.ToLevel, e.Reason, e.Notes, e.CreatedAt,
	)
	return err
}

func (r *repoPG) ListEscalationEvents(ctx context.Context, caseID uuid.UUID) ([]*EscalationEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, from_responder, from_role, from_level,
			to_responder, to_role, to_level, reason, notes, created_at
		FROM escalation_event WHERE case_id = $1 ORDER BY created_at, to_level`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*EscalationEvent
	for rows.Next() {
		var e EscalationEvent
		if err := rows.Scan(
			&e.ID, &e.CaseID, &e.FromResponder, &e.FromRole, &e.FromLevel,
			&e.ToResponder, &e.ToRole, &e.ToLevel, &e.Reason, &e.Notes, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// -- Audit --

func (r *repoPG) CreateAuditLog(ctx context.Context, l *AuditLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Details == nil {
		l.Details = map[string]interface{}{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, action, case_id, patient_id, actor_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.Action, l.CaseID, l.PatientID, l.ActorID, l.Details, l.CreatedAt,
	)
	return err
}

func (r *repoPG) ListAuditLogs(ctx context.Context, caseID uuid.UUID) ([]*AuditLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, action, case_id, patient_id, actor_id, details, created_at
		FROM audit_log WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.Action, &l.CaseID, &l.PatientID, &l.ActorID, &l.Details, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
