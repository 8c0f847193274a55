package executor

import (
	"encoding/json"
	"time"
)

// OutcomeKind classifies the result of executing one step. The set is
// closed; the scheduler dispatches on it exhaustively when committing.
type OutcomeKind string

const (
	// OutcomeAdvanced moves the enrollment to a later step, due at
	// NextRunAt.
	OutcomeAdvanced OutcomeKind = "advanced"

	// OutcomeWaiting parks the enrollment until a verified inbound
	// callback matches ResumeKey.
	OutcomeWaiting OutcomeKind = "waiting"

	// OutcomeCompleted ran past the workflow's last step.
	OutcomeCompleted OutcomeKind = "completed"

	// OutcomeTransientFailure failed in a way worth retrying; the
	// retry policy decides when, or whether the enrollment fails.
	OutcomeTransientFailure OutcomeKind = "transient_failure"

	// OutcomePermanentFailure failed in a way retrying cannot help
	// (bad configuration, unsupported action); the enrollment fails
	// immediately, bypassing backoff.
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is the closed result variant the executor hands back to the
// scheduler for committing.
type Outcome struct {
	Kind OutcomeKind

	// NextStepOrder and NextRunAt apply to OutcomeAdvanced.
	NextStepOrder int
	NextRunAt     time.Time

	// ResumeKey applies to OutcomeWaiting.
	ResumeKey string

	// Context is the updated execution context to persist.
	// Nil means unchanged.
	Context json.RawMessage

	// Err carries the failure for the two failure kinds.
	Err error
}

// Advanced builds an outcome that moves to nextOrder at nextRunAt.
// Pass a nil context to leave the persisted context unchanged.
func Advanced(nextOrder int, nextRunAt time.Time, context json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeAdvanced, NextStepOrder: nextOrder, NextRunAt: nextRunAt, Context: context}
}

// Waiting builds an outcome that parks the enrollment on resumeKey.
func Waiting(resumeKey string, context json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeWaiting, ResumeKey: resumeKey, Context: context}
}

// Completed builds an outcome that finishes the enrollment.
func Completed(context json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeCompleted, Context: context}
}

// TransientFailure builds a retryable failure outcome.
func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Err: err}
}

// PermanentFailure builds a non-retryable failure outcome.
func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Err: err}
}
