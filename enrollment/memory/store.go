// Package memory provides an in-memory implementation of
// enrollment.Store. This implementation is suitable for testing and
// development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
)

// Store is a thread-safe in-memory implementation of enrollment.Store.
// All conditional writes happen under one mutex, giving the same
// compare-and-set semantics the SQL store expresses as single-statement
// updates.
type Store struct {
	mu          sync.RWMutex
	enrollments map[string]*enrollment.Enrollment
	byTrigger   map[string]string // workflowID + "\x00" + eventID -> enrollment ID
	runs        map[string][]enrollment.Run
}

// New creates a new in-memory enrollment store.
func New() *Store {
	return &Store{
		enrollments: make(map[string]*enrollment.Enrollment),
		byTrigger:   make(map[string]string),
		runs:        make(map[string][]enrollment.Run),
	}
}

func triggerKey(workflowID, eventID string) string {
	return workflowID + "\x00" + eventID
}

// clone returns a deep copy so callers never alias stored rows.
func clone(e *enrollment.Enrollment) *enrollment.Enrollment {
	c := *e
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		c.NextRunAt = &t
	}
	if e.LockedAt != nil {
		t := *e.LockedAt
		c.LockedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.Context != nil {
		c.Context = append(json.RawMessage(nil), e.Context...)
	}
	return &c
}

// Create inserts a new enrollment, enforcing (workflow, event)
// uniqueness.
func (s *Store) Create(ctx context.Context, e enrollment.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := triggerKey(e.WorkflowID, e.EventID)
	if _, exists := s.byTrigger[key]; exists {
		return enrollment.ErrDuplicateEnrollment
	}
	if _, exists := s.enrollments[e.ID]; exists {
		return enrollment.ErrDuplicateEnrollment
	}

	s.enrollments[e.ID] = clone(&e)
	s.byTrigger[key] = e.ID
	return nil
}

// Get retrieves an enrollment by ID.
func (s *Store) Get(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	return clone(e), nil
}

// claimable reports whether the row may be claimed at now: due pending
// work with a free or expired lock, or crashed running work whose lease
// lapsed.
func claimable(e *enrollment.Enrollment, now time.Time, lease time.Duration) bool {
	switch e.Status {
	case enrollment.StatusPending:
		if e.NextRunAt == nil || e.NextRunAt.After(now) {
			return false
		}
		return e.LockExpired(now, lease)
	case enrollment.StatusRunning:
		// Only reachable through an expired lease (worker crash).
		return e.LockOwner != "" && e.LockExpired(now, lease)
	default:
		return false
	}
}

// Due returns claimable enrollments ordered by NextRunAt ascending.
func (s *Store) Due(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []enrollment.Enrollment
	for _, e := range s.enrollments {
		if claimable(e, now, lease) {
			due = append(due, *clone(e))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].NextRunAt, due[j].NextRunAt
		switch {
		case ti == nil:
			return tj != nil
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// TryClaim atomically claims the row for workerID.
func (s *Store) TryClaim(ctx context.Context, id, workerID string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return false, enrollment.ErrNotFound
	}
	if !claimable(e, now, lease) {
		return false, nil
	}

	t := now
	e.LockOwner = workerID
	e.LockedAt = &t
	return true, nil
}

// RenewLock extends the caller's lease.
func (s *Store) RenewLock(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return false, enrollment.ErrNotFound
	}
	if e.LockOwner != workerID || e.Status.IsTerminal() {
		return false, nil
	}

	t := now
	e.LockedAt = &t
	return true, nil
}

// ReleaseLock clears the lock only if the caller still owns it.
func (s *Store) ReleaseLock(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	if e.LockOwner == workerID {
		e.LockOwner = ""
		e.LockedAt = nil
	}
	return nil
}

// MarkRunning transitions a claimed row to running.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	if e.LockOwner != workerID {
		return enrollment.ErrLockLost
	}
	if e.Status != enrollment.StatusPending && e.Status != enrollment.StatusRunning {
		return enrollment.ErrLockLost
	}

	e.Status = enrollment.StatusRunning
	return nil
}

// ownedRunning returns the row if the caller owns its lock and it is
// still running. Caller must hold s.mu.
func (s *Store) ownedRunning(id, workerID string) (*enrollment.Enrollment, error) {
	e, ok := s.enrollments[id]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	if e.LockOwner != workerID || e.Status != enrollment.StatusRunning {
		return nil, enrollment.ErrLockLost
	}
	return e, nil
}

// Advance commits a successful step and releases the lock.
func (s *Store) Advance(ctx context.Context, id, workerID string, nextOrder int, nextRunAt time.Time, context json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedRunning(id, workerID)
	if err != nil {
		return err
	}

	t := nextRunAt
	e.Status = enrollment.StatusPending
	e.CurrentStepOrder = nextOrder
	e.NextRunAt = &t
	if context != nil {
		e.Context = append(json.RawMessage(nil), context...)
	}
	e.LastError = ""
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// MarkWaiting parks the row until its resume condition matches.
func (s *Store) MarkWaiting(ctx context.Context, id, workerID, resumeKey string, context json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedRunning(id, workerID)
	if err != nil {
		return err
	}

	e.Status = enrollment.StatusWaiting
	e.ResumeKey = resumeKey
	e.NextRunAt = nil
	if context != nil {
		e.Context = append(json.RawMessage(nil), context...)
	}
	e.LastError = ""
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// Reschedule records a transient failure and schedules the retry.
func (s *Store) Reschedule(ctx context.Context, id, workerID string, nextRunAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedRunning(id, workerID)
	if err != nil {
		return err
	}

	t := nextRunAt
	e.Status = enrollment.StatusPending
	e.NextRunAt = &t
	e.LastError = lastError
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// Complete marks the enrollment completed.
func (s *Store) Complete(ctx context.Context, id, workerID string, context json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedRunning(id, workerID)
	if err != nil {
		return err
	}

	t := at
	e.Status = enrollment.StatusCompleted
	e.CompletedAt = &t
	if context != nil {
		e.Context = append(json.RawMessage(nil), context...)
	}
	e.LastError = ""
	e.NextRunAt = nil
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// Fail marks the enrollment failed.
func (s *Store) Fail(ctx context.Context, id, workerID, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedRunning(id, workerID)
	if err != nil {
		return err
	}

	t := at
	e.Status = enrollment.StatusFailed
	e.LastError = lastError
	e.CompletedAt = &t
	e.NextRunAt = nil
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// Cancel marks the enrollment cancelled regardless of lock state.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	if e.Status.IsTerminal() {
		return nil
	}

	t := at
	e.Status = enrollment.StatusCancelled
	e.CompletedAt = &t
	e.NextRunAt = nil
	e.ResumeKey = ""
	e.LockOwner = ""
	e.LockedAt = nil
	return nil
}

// Resume transitions the waiting enrollment matching the resume
// condition back to pending.
func (s *Store) Resume(ctx context.Context, workspaceID, resumeKey string, now time.Time) (*enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.enrollments {
		if e.Status != enrollment.StatusWaiting {
			continue
		}
		if e.WorkspaceID != workspaceID || e.ResumeKey != resumeKey || resumeKey == "" {
			continue
		}

		t := now
		e.Status = enrollment.StatusPending
		e.NextRunAt = &t
		e.ResumeKey = ""
		return clone(e), nil
	}
	return nil, enrollment.ErrNoWaitingEnrollment
}

// AppendRun records one step-execution attempt.
func (s *Store) AppendRun(ctx context.Context, r enrollment.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[r.EnrollmentID] = append(s.runs[r.EnrollmentID], r)
	return nil
}

// Runs returns all runs for an enrollment ordered by StartedAt.
func (s *Store) Runs(ctx context.Context, enrollmentID string) ([]enrollment.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[enrollmentID]
	result := make([]enrollment.Run, len(runs))
	copy(result, runs)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// ErrorRunCount counts error-status runs for the given step.
func (s *Store) ErrorRunCount(ctx context.Context, enrollmentID, stepID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.runs[enrollmentID] {
		if r.StepID == stepID && r.Status == enrollment.RunError {
			count++
		}
	}
	return count, nil
}
