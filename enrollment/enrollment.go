// Package enrollment provides the types and storage interfaces for the
// workflow enrollment execution engine. An Enrollment is one lead's
// journey through one workflow; a Run is the immutable audit record of
// one attempt to execute one step.
package enrollment

import (
	"encoding/json"
	"time"
)

// Status represents the current state of an enrollment.
type Status string

const (
	// StatusPending indicates the enrollment is due (or scheduled) for
	// its current step and may be claimed by a worker.
	StatusPending Status = "pending"

	// StatusRunning indicates a worker holds the lock and is executing
	// the current step.
	StatusRunning Status = "running"

	// StatusWaiting indicates the enrollment is parked until a verified
	// inbound callback matches its resume condition.
	StatusWaiting Status = "waiting"

	// StatusCompleted indicates the enrollment ran past its last step.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a step exhausted its retries or failed
	// permanently.
	StatusFailed Status = "failed"

	// StatusCancelled indicates an operator cancelled the enrollment.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
// Terminal rows are inert: lock cleared, nextRunAt cleared, never
// touched by the engine again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Enrollment is the mutable unit of execution. A row is mutated only by
// the worker currently holding its lock, or by the intake path through
// the store's conditional writes.
type Enrollment struct {
	// ID is the unique identifier for this enrollment.
	ID string

	// WorkflowID identifies the workflow definition being executed.
	WorkflowID string

	// WorkspaceID is the owning workspace. May be empty.
	WorkspaceID string

	// LeadID is the triggering lead. May be empty.
	LeadID string

	// EventID is the triggering business event. (WorkflowID, EventID)
	// is unique: re-delivering an event never creates a duplicate.
	EventID string

	// Status is the current execution state.
	Status Status

	// Context holds accumulated variable bindings collected across
	// steps. Owned exclusively by the executor while running.
	Context json.RawMessage

	// CurrentStepOrder is the position in the step sequence.
	// Monotonically non-decreasing.
	CurrentStepOrder int

	// NextRunAt is the scheduling gate: no worker may act on the row
	// before this instant. Nil for waiting and terminal rows.
	NextRunAt *time.Time

	// LockedAt is when the current lock was claimed. Nil when unclaimed.
	LockedAt *time.Time

	// LockOwner is the worker holding the lock. Empty when unclaimed.
	LockOwner string

	// ResumeKey is the resume condition for waiting enrollments,
	// computed by the executor (channel + ":" + counterparty address).
	// Empty unless waiting.
	ResumeKey string

	// LastError is the most recent failure description. Cleared on
	// successful step advance.
	LastError string

	// EnrolledAt is when the enrollment was created.
	EnrolledAt time.Time

	// CompletedAt is when the enrollment reached a terminal status.
	CompletedAt *time.Time
}

// LockExpired reports whether the row's lock is absent or past its
// lease at the given instant.
func (e *Enrollment) LockExpired(now time.Time, lease time.Duration) bool {
	if e.LockOwner == "" || e.LockedAt == nil {
		return true
	}
	return e.LockedAt.Add(lease).Before(now)
}

// RunStatus classifies the outcome of one step-execution attempt.
type RunStatus string

const (
	// RunSuccess indicates the step executed and its transition was
	// committed.
	RunSuccess RunStatus = "success"

	// RunError indicates the attempt failed; the retry policy decides
	// what happens next.
	RunError RunStatus = "error"

	// RunAborted indicates the worker yielded mid-execution because the
	// row was cancelled or its lock was lost.
	RunAborted RunStatus = "aborted"
)

// Run records one attempt to execute one step. Append-only: never
// mutated after creation. The audit trail doubles as the source of
// truth for retry counts.
type Run struct {
	// ID is the unique identifier for this run.
	ID string

	// EnrollmentID identifies the enrollment this attempt belongs to.
	EnrollmentID string

	// StepID identifies the step definition that was attempted.
	StepID string

	// StepOrder is the step's order at the time of the attempt.
	StepOrder int

	// Status is the attempt outcome.
	Status RunStatus

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// FinishedAt is when the attempt ended.
	FinishedAt time.Time

	// Error holds the failure detail for error and aborted runs.
	Error string
}
