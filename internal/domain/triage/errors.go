package triage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrCaseNotFound       = errors.New("triage case not found")
	ErrAssignmentNotFound = errors.New("routing assignment not found")
	ErrResponderNotFound  = errors.New("responder not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrOverrideIncomplete = errors.New("override requires an ESI and a rationale")
	ErrInvalidESI         = errors.New("ESI must be between 1 and 5")
	ErrInvalidRationale   = errors.New("unknown override rationale")
	ErrInvalidAction      = errors.New("action must be confirm or override")
	ErrNoDraft            = errors.New("case has no AI draft to confirm")
	ErrAlreadyValidated   = errors.New("case has already been validated")
	ErrInvalidTransition  = errors.New("status transition not allowed")

	// ErrAssignmentNotPending reports a lost compare-and-swap on the pending
	// slot. The sweeper treats it as a no-op.
	ErrAssignmentNotPending = errors.New("routing assignment is no longer pending")
	// ErrAssignmentConflict reports a unique-index violation: another writer
	// already holds the pending slot or the rung.
	ErrAssignmentConflict = errors.New("case already has an assignment at this slot")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// lostRace reports errors that mean a concurrent writer got there first.
func lostRace(err error) bool {
	return errors.Is(err, ErrAssignmentNotPending) || errors.Is(err, ErrAssignmentConflict)
}
