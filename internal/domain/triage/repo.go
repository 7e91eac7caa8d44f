package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the case record store. Every method runs on the transaction
// carried by ctx when there is one.
type Repository interface {
	// Cases
	CreateCase(ctx context.Context, c *TriageCase) error
	GetCase(ctx context.Context, id uuid.UUID) (*TriageCase, error)
	// GetCaseForUpdate row-locks the case for the rest of the transaction.
	GetCaseForUpdate(ctx context.Context, id uuid.UUID) (*TriageCase, error)
	UpdateCase(ctx context.Context, c *TriageCase) error
	// ListQueue returns validated ESI 3-5 cases ordered by ESI then age.
	ListQueue(ctx context.Context, limit, offset int) ([]*TriageCase, int, error)
	// ListStranded returns cases at the given ESI levels, validated at or
	// before the cutoff, whose escalation is open but which hold no pending
	// assignment.
	ListStranded(ctx context.Context, esi []int, validatedBefore time.Time, limit int) ([]*TriageCase, error)

	// Assignments
	CreateAssignment(ctx context.Context, a *RoutingAssignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (*RoutingAssignment, error)
	// GetPendingAssignment returns nil and no error when the case has none.
	GetPendingAssignment(ctx context.Context, caseID uuid.UUID) (*RoutingAssignment, error)
	ListAssignments(ctx context.Context, caseID uuid.UUID) ([]*RoutingAssignment, error)
	// MarkEscalated moves a pending assignment to escalated. It returns
	// ErrAssignmentNotPending when the row already left pending.
	MarkEscalated(ctx context.Context, id uuid.UUID) error
	// AcknowledgeAssignment moves a pending assignment to acknowledged with
	// the same guard as MarkEscalated.
	AcknowledgeAssignment(ctx context.Context, id uuid.UUID, at time.Time, responseTimeMs int64) error
	// ListOverdue returns pending assignments whose deadline is before now,
	// oldest deadline first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*RoutingAssignment, error)

	// Escalation history
	CreateEscalationEvent(ctx context.Context, e *EscalationEvent) error
	ListEscalationEvents(ctx context.Context, caseID uuid.UUID) ([]*EscalationEvent, error)

	// Audit
	CreateAuditLog(ctx context.Context, l *AuditLog) error
	ListAuditLogs(ctx context.Context, caseID uuid.UUID) ([]*AuditLog, error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
