package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound indicates the enrollment doesn't exist.
	ErrNotFound = errors.New("enrollment not found")

	// ErrDuplicateEnrollment indicates an enrollment already exists for
	// the (workflow, triggering event) pair.
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")

	// ErrLockLost indicates an owner-checked write found the caller no
	// longer owns the row: the lock expired and was reclaimed, or the
	// row was cancelled out from under the worker.
	ErrLockLost = errors.New("enrollment lock lost")

	// ErrNoWaitingEnrollment indicates no waiting enrollment matched a
	// resume condition. Resumption mismatch is a no-op, not a fault.
	ErrNoWaitingEnrollment = errors.New("no waiting enrollment for resume key")
)

// Store defines persistence for enrollments and runs. All coordination
// is expressed as conditional writes: claims, renewals, and status
// transitions are single atomic compare-and-set operations, never
// read-then-write sequences. Implementations must be safe for
// concurrent use.
//
// Transition operations (Advance, MarkWaiting, Reschedule, Complete,
// Fail) are owner-checked and atomically release the lock as part of
// the same write, so a committed outcome can never leave a stale claim
// behind.
type Store interface {
	// Create inserts a new enrollment.
	// Returns ErrDuplicateEnrollment if an enrollment already exists for
	// the same (WorkflowID, EventID) pair.
	Create(ctx context.Context, e Enrollment) error

	// Get retrieves an enrollment by ID.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*Enrollment, error)

	// Due returns up to limit claimable enrollments ordered by
	// NextRunAt ascending (earliest due first): pending rows whose
	// NextRunAt has elapsed and whose lock is absent or expired, plus
	// running rows whose lock expired (worker crash recovery).
	Due(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Enrollment, error)

	// TryClaim atomically claims the row for workerID, succeeding only
	// if the lock is absent or expired at now. Returns false (no error)
	// when the claim is lost to another worker.
	TryClaim(ctx context.Context, id, workerID string, now time.Time, lease time.Duration) (bool, error)

	// RenewLock extends the caller's lease. Returns false if the caller
	// no longer owns the lock or the row left a claimable status.
	RenewLock(ctx context.Context, id, workerID string, now time.Time) (bool, error)

	// ReleaseLock clears the lock only if the caller still owns it.
	// Releasing a lock already lost to expiry and reclaim is a no-op.
	ReleaseLock(ctx context.Context, id, workerID string) error

	// MarkRunning transitions a claimed row to running.
	// Returns ErrLockLost if the caller doesn't own the lock or the row
	// is no longer executable (e.g., cancelled).
	MarkRunning(ctx context.Context, id, workerID string) error

	// Advance commits a successful step: moves to nextOrder, schedules
	// nextRunAt, persists the updated context, clears LastError, sets
	// status pending, and releases the lock. Owner-checked.
	Advance(ctx context.Context, id, workerID string, nextOrder int, nextRunAt time.Time, context json.RawMessage) error

	// MarkWaiting parks the row until a verified inbound callback
	// matching resumeKey arrives: status waiting, NextRunAt cleared,
	// lock released. Owner-checked.
	MarkWaiting(ctx context.Context, id, workerID, resumeKey string, context json.RawMessage) error

	// Reschedule records a transient failure: keeps the current step,
	// sets LastError, schedules the retry at nextRunAt, sets status
	// pending, and releases the lock. Owner-checked.
	Reschedule(ctx context.Context, id, workerID string, nextRunAt time.Time, lastError string) error

	// Complete marks the enrollment completed: terminal, lock and
	// NextRunAt cleared, context persisted. Owner-checked.
	Complete(ctx context.Context, id, workerID string, context json.RawMessage, at time.Time) error

	// Fail marks the enrollment failed with the given error detail:
	// terminal, lock and NextRunAt cleared. Owner-checked.
	Fail(ctx context.Context, id, workerID, lastError string, at time.Time) error

	// Cancel marks the enrollment cancelled regardless of lock state.
	// Workers discover the change on their next owner-checked write.
	// Cancelling a terminal row is a no-op.
	Cancel(ctx context.Context, id string, at time.Time) error

	// Resume transitions the waiting enrollment matching (workspaceID,
	// resumeKey) back to pending with NextRunAt = now, clearing the
	// resume key. Returns ErrNoWaitingEnrollment if nothing matches;
	// only waiting rows are eligible.
	Resume(ctx context.Context, workspaceID, resumeKey string, now time.Time) (*Enrollment, error)

	// AppendRun records one step-execution attempt. Append-only.
	AppendRun(ctx context.Context, r Run) error

	// Runs returns all runs for an enrollment ordered by StartedAt
	// ascending.
	Runs(ctx context.Context, enrollmentID string) ([]Run, error)

	// ErrorRunCount returns the number of error-status runs recorded
	// for the given step of the enrollment. Retry attempt counts are
	// derived from the audit trail, not a separate counter.
	ErrorRunCount(ctx context.Context, enrollmentID, stepID string) (int, error)
}
