// Package executor runs one workflow step for a claimed enrollment and
// reports the requested state transition as a closed Outcome variant.
// It owns the enrollment's execution context while the lock is held;
// nothing else reads or writes it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/catalog"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
)

// DefaultSendTimeout bounds each external send call. A timeout is a
// transient failure, never a success.
const DefaultSendTimeout = 30 * time.Second

// Config configures the Executor.
type Config struct {
	// Sender is the external message-send capability. Required.
	Sender Sender

	// SendTimeout bounds each send call. Defaults to DefaultSendTimeout.
	SendTimeout time.Duration

	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time
}

// Executor dispatches a claimed enrollment's current step.
type Executor struct {
	sender      Sender
	sendTimeout time.Duration
	now         func() time.Time
}

// New creates an Executor from the given configuration.
func New(cfg Config) (*Executor, error) {
	if cfg.Sender == nil {
		return nil, errors.New("executor: Sender is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		sender:      cfg.Sender,
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Now,
	}, nil
}

// Execute runs the step at the enrollment's current order and returns
// the requested transition. It never mutates the store; committing the
// outcome is the scheduler's job.
func (x *Executor) Execute(ctx context.Context, e *enrollment.Enrollment, wf *catalog.Workflow) Outcome {
	last := wf.LastOrder()
	if e.CurrentStepOrder > last {
		return Completed(e.Context)
	}

	step, ok := wf.StepAt(e.CurrentStepOrder)
	if !ok {
		return PermanentFailure(Permanentf("workflow %s has no step at order %d", wf.ID, e.CurrentStepOrder))
	}

	switch step.Action {
	case catalog.ActionSendMessage:
		return x.executeSend(ctx, e, step, last)
	case catalog.ActionWaitDelay:
		return x.executeDelay(step)
	case catalog.ActionWaitForReply:
		return x.executeWaitForReply(e, step)
	case catalog.ActionBranch:
		return x.executeBranch(e, step, last)
	default:
		return PermanentFailure(Permanentf("unsupported action type %q at step %d", step.Action, step.Order))
	}
}

// executeSend dispatches a send_message step to the send capability.
func (x *Executor) executeSend(ctx context.Context, e *enrollment.Enrollment, step catalog.Step, last int) Outcome {
	var cfg catalog.SendConfig
	if err := catalog.DecodeConfig(step, &cfg); err != nil {
		return PermanentFailure(&PermanentError{Reason: "malformed send config", Err: err})
	}
	if cfg.Channel != "sms" && cfg.Channel != "email" {
		return PermanentFailure(Permanentf("unknown channel %q at step %d", cfg.Channel, step.Order))
	}
	if cfg.AddressKey == "" {
		return PermanentFailure(Permanentf("send config at step %d has no address_key", step.Order))
	}

	address, ok := contextValue(e.Context, cfg.AddressKey)
	if !ok {
		return PermanentFailure(Permanentf("context has no binding %q for step %d", cfg.AddressKey, step.Order))
	}

	sendCtx, cancel := context.WithTimeout(ctx, x.sendTimeout)
	defer cancel()

	result, err := x.sender.Send(sendCtx, SendRequest{
		EnrollmentID: e.ID,
		StepOrder:    step.Order,
		WorkflowID:   e.WorkflowID,
		WorkspaceID:  e.WorkspaceID,
		LeadID:       e.LeadID,
		Channel:      cfg.Channel,
		TemplateID:   cfg.TemplateID,
		Address:      address,
		Context:      e.Context,
	})
	if err != nil {
		var perm *PermanentError
		if errors.As(err, &perm) {
			return PermanentFailure(err)
		}
		// Timeouts and ambiguous outcomes retry visibly rather than
		// guessing success.
		return TransientFailure(fmt.Errorf("send step %d: %w", step.Order, err))
	}

	updates := map[string]any{"last_message_id": result.MessageID}
	for k, v := range result.Bindings {
		updates[k] = v
	}
	merged := mergeContext(e.Context, updates)

	next := step.Order + 1
	if next > last {
		return Completed(merged)
	}
	return Advanced(next, x.now(), merged)
}

// executeDelay schedules the next step after the configured pause. A
// trailing delay still advances past the last order; the next claim
// finds the sequence exhausted and completes, so the pause is honored
// even at the end of a workflow.
func (x *Executor) executeDelay(step catalog.Step) Outcome {
	var cfg catalog.DelayConfig
	if err := catalog.DecodeConfig(step, &cfg); err != nil {
		return PermanentFailure(&PermanentError{Reason: "malformed delay config", Err: err})
	}
	if cfg.DelaySeconds < 0 {
		return PermanentFailure(Permanentf("negative delay at step %d", step.Order))
	}

	return Advanced(step.Order+1, x.now().Add(cfg.Delay()), nil)
}

// executeWaitForReply computes the resume condition and parks the
// enrollment. The key is channel + ":" + counterparty address so the
// intake handler can rebuild it from a verified callback payload.
func (x *Executor) executeWaitForReply(e *enrollment.Enrollment, step catalog.Step) Outcome {
	var cfg catalog.WaitReplyConfig
	if err := catalog.DecodeConfig(step, &cfg); err != nil {
		return PermanentFailure(&PermanentError{Reason: "malformed wait_for_reply config", Err: err})
	}
	if cfg.Channel != "sms" && cfg.Channel != "email" {
		return PermanentFailure(Permanentf("unknown channel %q at step %d", cfg.Channel, step.Order))
	}
	if cfg.AddressKey == "" {
		return PermanentFailure(Permanentf("wait_for_reply config at step %d has no address_key", step.Order))
	}

	address, ok := contextValue(e.Context, cfg.AddressKey)
	if !ok {
		return PermanentFailure(Permanentf("context has no binding %q for step %d", cfg.AddressKey, step.Order))
	}

	return Waiting(ResumeKey(cfg.Channel, address), nil)
}

// executeBranch jumps to a later step based on a context binding.
// Targets must be strictly ahead of the current order: currentStepOrder
// never decreases.
func (x *Executor) executeBranch(e *enrollment.Enrollment, step catalog.Step, last int) Outcome {
	var cfg catalog.BranchConfig
	if err := catalog.DecodeConfig(step, &cfg); err != nil {
		return PermanentFailure(&PermanentError{Reason: "malformed branch config", Err: err})
	}

	target := cfg.Default
	if value, ok := contextValue(e.Context, cfg.Key); ok {
		if t, matched := cfg.Cases[value]; matched {
			target = t
		}
	}

	if target <= step.Order {
		return PermanentFailure(Permanentf("branch at step %d targets step %d; targets must be ahead", step.Order, target))
	}
	if target > last {
		return Completed(nil)
	}
	return Advanced(target, x.now(), nil)
}

// ResumeKey builds the resume condition for a waiting enrollment:
// channel + ":" + counterparty address.
func ResumeKey(channel, address string) string {
	return channel + ":" + address
}
