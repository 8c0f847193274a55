// Package scheduler drives enrollments through their workflows: it
// polls for due rows, claims them through the lease protocol, hands
// them to the executor, and commits the outcome. Any number of
// scheduler processes may run against the same store; the claim
// protocol keeps them from stepping on each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
	"github.com/coppolavegas/leadgenx-crm-sub002/executor"
	"github.com/coppolavegas/leadgenx-crm-sub002/lock"
)

// Common errors returned by the Scheduler.
var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrNotStarted indicates Stop was called before Start.
	ErrNotStarted = errors.New("scheduler not started")
)

// Scheduler is the polling worker loop.
type Scheduler struct {
	cfg   Config
	locks *lock.Manager

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Scheduler with the given configuration.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()

	locks, err := lock.NewManager(c.Store, c.Lease, c.Now)
	if err != nil {
		return nil, err
	}

	return &Scheduler{cfg: c, locks: locks}, nil
}

// WorkerID returns the identity this scheduler claims locks under.
func (s *Scheduler) WorkerID() string {
	return s.cfg.WorkerID
}

// Start launches the polling loop. Must be called at most once until
// Stop returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true

	go s.run(ctx)

	s.cfg.Logger.Info("scheduler started",
		"workerID", s.cfg.WorkerID,
		"pollInterval", s.cfg.PollInterval,
		"concurrency", s.cfg.Concurrency,
	)
	return nil
}

// Stop signals the loop and waits for in-flight work, up to
// ShutdownTimeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	close(s.stop)

	timeout := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-s.done:
	case <-timeout.C:
		s.cfg.Logger.Warn("scheduler shutdown timed out", "workerID", s.cfg.WorkerID)
	case <-ctx.Done():
		s.cfg.Logger.Warn("scheduler shutdown cancelled", "workerID", s.cfg.WorkerID)
	}

	s.started = false
	s.cfg.Logger.Info("scheduler stopped", "workerID", s.cfg.WorkerID)
	return nil
}

// run is the polling loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.cfg.Logger.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick runs one poll cycle: select due work, claim it, execute it, and
// commit the outcomes. Returns the number of enrollments this worker
// executed. Exposed so tests and cron-style supervisors can drive the
// loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.cfg.Store.Due(ctx, s.cfg.Now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query due enrollments: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0

	for _, row := range due {
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if s.processOne(ctx, row) {
				mu.Lock()
				executed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return executed, nil
}

// processOne claims and executes a single due enrollment. Returns true
// if this worker executed a step.
func (s *Scheduler) processOne(ctx context.Context, row enrollment.Enrollment) bool {
	claimed, err := s.locks.TryClaim(ctx, row.ID, s.cfg.WorkerID)
	if err != nil {
		s.cfg.Logger.Error("claim failed", "enrollmentID", row.ID, "error", err)
		return false
	}
	if !claimed {
		// Lost the race to another worker. Expected contention, not a
		// fault.
		s.cfg.Logger.Debug("claim lost", "enrollmentID", row.ID)
		return false
	}

	if err := s.cfg.Store.MarkRunning(ctx, row.ID, s.cfg.WorkerID); err != nil {
		if errors.Is(err, enrollment.ErrLockLost) {
			// The row was cancelled (or reclaimed) between claim and
			// start. Cooperative yield, nothing executed yet.
			s.cfg.Logger.Debug("enrollment changed before execution", "enrollmentID", row.ID)
			return false
		}
		s.cfg.Logger.Error("mark running failed", "enrollmentID", row.ID, "error", err)
		s.releaseQuietly(ctx, row.ID)
		return false
	}

	// Re-read after the transition so the executor sees the committed
	// row, not the polled snapshot.
	e, err := s.cfg.Store.Get(ctx, row.ID)
	if err != nil {
		s.cfg.Logger.Error("load enrollment failed", "enrollmentID", row.ID, "error", err)
		s.releaseQuietly(ctx, row.ID)
		return false
	}

	wf, err := s.cfg.Catalog.Get(ctx, e.WorkflowID)
	if err != nil {
		// The definition is gone; retrying cannot help.
		s.commitFailure(ctx, e, "", fmt.Sprintf("workflow lookup: %v", err))
		return true
	}

	startedAt := s.cfg.Now()
	outcome := s.cfg.Executor.Execute(ctx, e, wf)
	finishedAt := s.cfg.Now()

	stepID := ""
	if step, ok := wf.StepAt(e.CurrentStepOrder); ok {
		stepID = step.ID
	}

	s.commit(ctx, e, stepID, outcome, startedAt, finishedAt)
	return true
}

// commit applies the executor's outcome to the store and records the
// audit run. Transition operations release the lock atomically.
func (s *Scheduler) commit(ctx context.Context, e *enrollment.Enrollment, stepID string, outcome executor.Outcome, startedAt, finishedAt time.Time) {
	var transitionErr error
	runStatus := enrollment.RunSuccess
	runError := ""

	switch outcome.Kind {
	case executor.OutcomeAdvanced:
		transitionErr = s.cfg.Store.Advance(ctx, e.ID, s.cfg.WorkerID, outcome.NextStepOrder, outcome.NextRunAt, outcome.Context)

	case executor.OutcomeWaiting:
		transitionErr = s.cfg.Store.MarkWaiting(ctx, e.ID, s.cfg.WorkerID, outcome.ResumeKey, outcome.Context)

	case executor.OutcomeCompleted:
		transitionErr = s.cfg.Store.Complete(ctx, e.ID, s.cfg.WorkerID, outcome.Context, finishedAt)
		if transitionErr == nil {
			s.cfg.Logger.Info("enrollment completed", "enrollmentID", e.ID, "workflowID", e.WorkflowID)
		}

	case executor.OutcomeTransientFailure:
		runStatus = enrollment.RunError
		runError = outcome.Err.Error()
		transitionErr = s.commitTransient(ctx, e, stepID, runError)

	case executor.OutcomePermanentFailure:
		runStatus = enrollment.RunError
		runError = outcome.Err.Error()
		transitionErr = s.cfg.Store.Fail(ctx, e.ID, s.cfg.WorkerID, runError, finishedAt)
		if transitionErr == nil {
			s.cfg.Logger.Warn("enrollment failed permanently",
				"enrollmentID", e.ID,
				"step", e.CurrentStepOrder,
				"error", runError,
			)
		}

	default:
		transitionErr = fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}

	if transitionErr != nil {
		if errors.Is(transitionErr, enrollment.ErrLockLost) {
			// Cancelled (or lock stolen) mid-execution: abort cleanly,
			// leaving only the audit trail.
			runStatus = enrollment.RunAborted
			runError = "enrollment cancelled or lock lost during execution"
			s.cfg.Logger.Debug("execution aborted", "enrollmentID", e.ID)
		} else {
			s.cfg.Logger.Error("commit outcome failed", "enrollmentID", e.ID, "error", transitionErr)
			s.releaseQuietly(ctx, e.ID)
			runStatus = enrollment.RunError
			if runError == "" {
				runError = transitionErr.Error()
			}
		}
	}

	s.appendRun(ctx, e, stepID, runStatus, runError, startedAt, finishedAt)
}

// commitTransient consults the retry policy: reschedule with backoff,
// or mark failed once the step's error runs hit the attempt ceiling.
func (s *Scheduler) commitTransient(ctx context.Context, e *enrollment.Enrollment, stepID, reason string) error {
	prior, err := s.cfg.Store.ErrorRunCount(ctx, e.ID, stepID)
	if err != nil {
		return fmt.Errorf("count error runs: %w", err)
	}
	attempts := prior + 1 // the failure being recorded now

	now := s.cfg.Now()
	if s.cfg.Retry.IsTerminal(attempts) {
		if err := s.cfg.Store.Fail(ctx, e.ID, s.cfg.WorkerID, reason, now); err != nil {
			return err
		}
		s.cfg.Logger.Warn("enrollment failed after max attempts",
			"enrollmentID", e.ID,
			"step", e.CurrentStepOrder,
			"attempts", attempts,
			"error", reason,
		)
		return nil
	}

	nextRunAt := s.cfg.Retry.NextRunAt(now, attempts)
	if err := s.cfg.Store.Reschedule(ctx, e.ID, s.cfg.WorkerID, nextRunAt, reason); err != nil {
		return err
	}
	s.cfg.Logger.Info("step retry scheduled",
		"enrollmentID", e.ID,
		"step", e.CurrentStepOrder,
		"attempt", attempts,
		"nextRunAt", nextRunAt,
	)
	return nil
}

// appendRun records the attempt in the audit trail. Append failures are
// logged, not propagated: the state transition already committed.
func (s *Scheduler) appendRun(ctx context.Context, e *enrollment.Enrollment, stepID string, status enrollment.RunStatus, errDetail string, startedAt, finishedAt time.Time) {
	run := enrollment.Run{
		ID:           uuid.New().String(),
		EnrollmentID: e.ID,
		StepID:       stepID,
		StepOrder:    e.CurrentStepOrder,
		Status:       status,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Error:        errDetail,
	}
	if err := s.cfg.Store.AppendRun(ctx, run); err != nil {
		s.cfg.Logger.Warn("append run failed", "enrollmentID", e.ID, "error", err)
	}
}

// commitFailure fails the enrollment outside the executor path (e.g.,
// the workflow definition disappeared) and records an error run.
func (s *Scheduler) commitFailure(ctx context.Context, e *enrollment.Enrollment, stepID, reason string) {
	now := s.cfg.Now()
	if err := s.cfg.Store.Fail(ctx, e.ID, s.cfg.WorkerID, reason, now); err != nil {
		if !errors.Is(err, enrollment.ErrLockLost) {
			s.cfg.Logger.Error("fail enrollment failed", "enrollmentID", e.ID, "error", err)
			s.releaseQuietly(ctx, e.ID)
		}
		return
	}
	s.appendRun(ctx, e, stepID, enrollment.RunError, reason, now, now)
	s.cfg.Logger.Warn("enrollment failed", "enrollmentID", e.ID, "error", reason)
}

// releaseQuietly best-effort releases the lock after a local error so
// the row does not wait out the full lease.
func (s *Scheduler) releaseQuietly(ctx context.Context, id string) {
	if err := s.locks.Release(ctx, id, s.cfg.WorkerID); err != nil && !errors.Is(err, enrollment.ErrNotFound) {
		s.cfg.Logger.Warn("release lock failed", "enrollmentID", id, "error", err)
	}
}
