// Package pgstore provides a PostgreSQL-based enrollment store
// implementation. Every coordination primitive (claim, renew, release,
// status transition) is a single conditional UPDATE, so there is no
// read-then-write race window anywhere in the protocol.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
)

// Store implements enrollment.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL enrollment store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const enrollmentColumns = `id, workflow_id, workspace_id, lead_id, event_id, status, context,
	current_step_order, next_run_at, locked_at, lock_owner, resume_key, last_error,
	enrolled_at, completed_at`

// Create inserts a new enrollment. The unique index on
// (workflow_id, event_id) makes trigger delivery idempotent.
func (s *Store) Create(ctx context.Context, e enrollment.Enrollment) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
	`, e.ID, e.WorkflowID, e.WorkspaceID, e.LeadID, e.EventID, string(e.Status), e.Context,
		e.CurrentStepOrder, e.NextRunAt, e.LockedAt, nullable(e.LockOwner), e.ResumeKey, e.LastError,
		e.EnrolledAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return enrollment.ErrDuplicateEnrollment
	}
	return nil
}

// Get retrieves an enrollment by ID.
func (s *Store) Get(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE id = $1
	`, id)

	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, enrollment.ErrNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// Due returns claimable enrollments ordered by next_run_at ascending:
// due pending rows with a free or expired lock, plus running rows whose
// lease lapsed (worker crash recovery).
func (s *Store) Due(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]enrollment.Enrollment, error) {
	expiredBefore := now.Add(-lease)

	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE (status = 'pending' AND next_run_at <= $1 AND (lock_owner IS NULL OR locked_at < $2))
		   OR (status = 'running' AND locked_at < $2)
		ORDER BY next_run_at ASC NULLS LAST
		LIMIT $3
	`, now, expiredBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query due enrollments: %w", err)
	}
	defer rows.Close()

	var due []enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due enrollment: %w", err)
		}
		due = append(due, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due enrollments: %w", err)
	}
	return due, nil
}

// TryClaim atomically claims the row for workerID. The WHERE clause is
// the entire claim protocol: it succeeds only against a free or expired
// lock on a claimable row, in one statement.
func (s *Store) TryClaim(ctx context.Context, id, workerID string, now time.Time, lease time.Duration) (bool, error) {
	expiredBefore := now.Add(-lease)

	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET lock_owner = $2, locked_at = $3
		WHERE id = $1
		  AND ((status = 'pending' AND next_run_at <= $3 AND (lock_owner IS NULL OR locked_at < $4))
		    OR (status = 'running' AND locked_at < $4))
	`, id, workerID, now, expiredBefore)
	if err != nil {
		return false, fmt.Errorf("claim enrollment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.checkExists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RenewLock extends the caller's lease.
func (s *Store) RenewLock(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET locked_at = $3
		WHERE id = $1 AND lock_owner = $2 AND status IN ('pending', 'running')
	`, id, workerID, now)
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.checkExists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseLock clears the lock only if the caller still owns it.
func (s *Store) ReleaseLock(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET lock_owner = NULL, locked_at = NULL
		WHERE id = $1 AND lock_owner = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkExists(ctx, id)
	}
	return nil
}

// MarkRunning transitions a claimed row to running.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'running'
		WHERE id = $1 AND lock_owner = $2 AND status IN ('pending', 'running')
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// Advance commits a successful step and releases the lock.
func (s *Store) Advance(ctx context.Context, id, workerID string, nextOrder int, nextRunAt time.Time, context json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'pending',
		    current_step_order = $3,
		    next_run_at = $4,
		    context = COALESCE($5, context),
		    last_error = '',
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'running'
	`, id, workerID, nextOrder, nextRunAt, context)
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// MarkWaiting parks the row until its resume condition matches.
func (s *Store) MarkWaiting(ctx context.Context, id, workerID, resumeKey string, context json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'waiting',
		    resume_key = $3,
		    next_run_at = NULL,
		    context = COALESCE($4, context),
		    last_error = '',
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'running'
	`, id, workerID, resumeKey, context)
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// Reschedule records a transient failure and schedules the retry.
func (s *Store) Reschedule(ctx context.Context, id, workerID string, nextRunAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'pending',
		    next_run_at = $3,
		    last_error = $4,
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'running'
	`, id, workerID, nextRunAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule enrollment: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// Complete marks the enrollment completed.
func (s *Store) Complete(ctx context.Context, id, workerID string, context json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'completed',
		    completed_at = $4,
		    context = COALESCE($3, context),
		    last_error = '',
		    next_run_at = NULL,
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'running'
	`, id, workerID, context, at)
	if err != nil {
		return fmt.Errorf("complete enrollment: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// Fail marks the enrollment failed.
func (s *Store) Fail(ctx context.Context, id, workerID, lastError string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'failed',
		    last_error = $3,
		    completed_at = $4,
		    next_run_at = NULL,
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'running'
	`, id, workerID, lastError, at)
	if err != nil {
		return fmt.Errorf("fail enrollment: %w", err)
	}
	return s.ownerCheckResult(ctx, tag.RowsAffected(), id)
}

// Cancel marks the enrollment cancelled regardless of lock state.
func (s *Store) Cancel(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = 'cancelled',
		    completed_at = $2,
		    next_run_at = NULL,
		    resume_key = '',
		    lock_owner = NULL,
		    locked_at = NULL
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, at)
	if err != nil {
		return fmt.Errorf("cancel enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already terminal; the latter is a no-op.
		return s.checkExists(ctx, id)
	}
	return nil
}

// Resume transitions the waiting enrollment matching the resume
// condition back to pending. SKIP LOCKED keeps concurrent callbacks
// from stacking up behind each other.
func (s *Store) Resume(ctx context.Context, workspaceID, resumeKey string, now time.Time) (*enrollment.Enrollment, error) {
	if resumeKey == "" {
		return nil, enrollment.ErrNoWaitingEnrollment
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE enrollments
		SET status = 'pending', next_run_at = $3, resume_key = ''
		WHERE id = (
			SELECT id FROM enrollments
			WHERE status = 'waiting' AND workspace_id = $1 AND resume_key = $2
			ORDER BY enrolled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrollmentColumns+`
	`, workspaceID, resumeKey, now)

	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, enrollment.ErrNoWaitingEnrollment
		}
		return nil, fmt.Errorf("resume enrollment: %w", err)
	}
	return e, nil
}

// AppendRun records one step-execution attempt.
func (s *Store) AppendRun(ctx context.Context, r enrollment.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment_runs (id, enrollment_id, step_id, step_order, status, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.EnrollmentID, r.StepID, r.StepOrder, string(r.Status), r.StartedAt, r.FinishedAt, r.Error)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Runs returns all runs for an enrollment ordered by started_at.
func (s *Store) Runs(ctx context.Context, enrollmentID string) ([]enrollment.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, enrollment_id, step_id, step_order, status, started_at, finished_at, error
		FROM enrollment_runs
		WHERE enrollment_id = $1
		ORDER BY started_at ASC
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []enrollment.Run
	for rows.Next() {
		var r enrollment.Run
		var status string
		if err := rows.Scan(&r.ID, &r.EnrollmentID, &r.StepID, &r.StepOrder, &status, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = enrollment.RunStatus(status)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ErrorRunCount counts error-status runs for the given step.
func (s *Store) ErrorRunCount(ctx context.Context, enrollmentID, stepID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM enrollment_runs
		WHERE enrollment_id = $1 AND step_id = $2 AND status = 'error'
	`, enrollmentID, stepID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count error runs: %w", err)
	}
	return count, nil
}

// ownerCheckResult maps a zero-row owner-checked update to the right
// sentinel: missing row or lost ownership.
func (s *Store) ownerCheckResult(ctx context.Context, rowsAffected int64, id string) error {
	if rowsAffected == 1 {
		return nil
	}
	if err := s.checkExists(ctx, id); err != nil {
		return err
	}
	return enrollment.ErrLockLost
}

// checkExists returns ErrNotFound if no enrollment has the given ID.
func (s *Store) checkExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check enrollment exists: %w", err)
	}
	if !exists {
		return enrollment.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEnrollment reads one enrollment row, mapping nullable columns.
func scanEnrollment(row rowScanner) (*enrollment.Enrollment, error) {
	var e enrollment.Enrollment
	var status string
	var lockOwner *string

	err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkspaceID, &e.LeadID, &e.EventID, &status, &e.Context,
		&e.CurrentStepOrder, &e.NextRunAt, &e.LockedAt, &lockOwner, &e.ResumeKey, &e.LastError,
		&e.EnrolledAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}

	e.Status = enrollment.Status(status)
	if lockOwner != nil {
		e.LockOwner = *lockOwner
	}
	return &e, nil
}

// nullable maps an empty string to NULL for columns where absence is
// meaningful (lock_owner).
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
