package scheduler

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/coppolavegas/leadgenx-crm-sub002/catalog"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
	"github.com/coppolavegas/leadgenx-crm-sub002/executor"
	"github.com/coppolavegas/leadgenx-crm-sub002/lock"
	"github.com/coppolavegas/leadgenx-crm-sub002/retry"
)

// Default configuration values.
const (
	// DefaultPollInterval is how often the loop checks for due work.
	DefaultPollInterval = 1 * time.Second

	// DefaultBatchSize bounds how many due rows one tick considers.
	DefaultBatchSize = 20

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Logger defines the logging interface for the scheduler.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StepExecutor runs one step for a claimed enrollment.
// *executor.Executor is the production implementation.
type StepExecutor interface {
	Execute(ctx context.Context, e *enrollment.Enrollment, wf *catalog.Workflow) executor.Outcome
}

// Config configures the Scheduler.
type Config struct {
	// Store is the enrollment persistence layer. Required.
	Store enrollment.Store

	// Catalog is the read-only workflow lookup. Required.
	Catalog catalog.Catalog

	// Executor runs claimed steps. Required.
	Executor StepExecutor

	// Retry is the backoff policy for transient step failures.
	// If nil, retry.Default() is used.
	Retry *retry.Policy

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// WorkerID identifies this worker in lock claims. If empty, a UUID
	// is generated.
	WorkerID string

	// PollInterval is the pause between due-work queries.
	// If zero, defaults to DefaultPollInterval.
	PollInterval time.Duration

	// BatchSize bounds how many due rows one tick considers.
	// If zero, defaults to DefaultBatchSize.
	BatchSize int

	// Lease is the lock lease duration. If zero, lock.DefaultLease.
	Lease time.Duration

	// Concurrency bounds how many enrollments one tick executes in
	// parallel. If zero or negative, defaults to runtime.NumCPU().
	Concurrency int

	// ShutdownTimeout is the maximum duration to wait for in-flight
	// work during Stop. If zero, defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Now supplies the single clock all scheduling compares against.
	// Defaults to time.Now. The engine never trusts a caller-supplied
	// "now".
	Now func() time.Time
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("scheduler: Store is required")
	}
	if c.Catalog == nil {
		return errors.New("scheduler: Catalog is required")
	}
	if c.Executor == nil {
		return errors.New("scheduler: Executor is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Retry == nil {
		cfg.Retry = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = lock.DefaultLease
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return cfg
}
