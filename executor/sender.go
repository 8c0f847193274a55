package executor

import (
	"context"
	"encoding/json"
)

// SendRequest describes one outbound message for the external send
// capability.
type SendRequest struct {
	// EnrollmentID identifies the enrollment on whose behalf the
	// message is sent. Downstream capabilities use it (with the step
	// order) as an idempotency key so lease-expiry retries don't
	// double-send.
	EnrollmentID string

	// StepOrder is the step being executed.
	StepOrder int

	// WorkflowID and WorkspaceID locate the definition and tenant.
	WorkflowID  string
	WorkspaceID string

	// LeadID is the triggering lead. May be empty.
	LeadID string

	// Channel selects the delivery channel: "sms" or "email".
	Channel string

	// TemplateID identifies the message template to render.
	TemplateID string

	// Address is the recipient address resolved from the enrollment
	// context.
	Address string

	// Context is the enrollment's execution context, for template
	// rendering.
	Context json.RawMessage
}

// SendResult is the capability's answer for a delivered (or accepted)
// message.
type SendResult struct {
	// MessageID is the provider's identifier for the message.
	MessageID string

	// Bindings are context updates to merge into the enrollment
	// context (e.g., the provider message SID). May be nil.
	Bindings map[string]any
}

// Sender is the external message-send capability. The engine calls it;
// it never implements it. Implementations must honor the context
// deadline; a timed-out or ambiguous send surfaces as an error and the
// engine classifies it transient rather than silently assuming
// delivery.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}
