// Package intake is the engine's event boundary: business-event triggers
// enroll leads into matching workflows, and verified provider callbacks
// wake waiting enrollments. Nothing crosses this boundary into the state
// machine without either the uniqueness constraint (triggers) or a
// signature check (callbacks) standing in front of it.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coppolavegas/leadgenx-crm-sub002/catalog"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
	"github.com/coppolavegas/leadgenx-crm-sub002/executor"
	"github.com/coppolavegas/leadgenx-crm-sub002/webhook"
)

// Common errors returned by the Handler.
var (
	// ErrSignatureInvalid indicates an inbound callback failed signature
	// validation. No state was mutated.
	ErrSignatureInvalid = errors.New("inbound signature invalid")

	// ErrInvalidEvent indicates a trigger event is missing required
	// fields.
	ErrInvalidEvent = errors.New("invalid trigger event")
)

// TriggerEvent is a workspace-scoped business event that may enroll a
// lead into one or more workflows.
type TriggerEvent struct {
	// ID uniquely identifies this event delivery. Together with the
	// workflow ID it makes enrollment creation idempotent. Required.
	ID string

	// WorkspaceID scopes the event to a tenant. Optional; an empty
	// value matches only global workflows.
	WorkspaceID string

	// LeadID is the lead the event concerns. Optional.
	LeadID string

	// Type is the event type workflows trigger on. Required.
	Type string

	// Payload is the event's structured data. It becomes the initial
	// execution context of every enrollment the event creates, so
	// address bindings (phone, email) travel with the enrollment.
	// Required.
	Payload json.RawMessage
}

// Validate checks the event carries its required fields.
func (ev *TriggerEvent) Validate() error {
	if ev.Type == "" {
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	return nil
}

// Logger is the logging interface for the intake handler.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures the Handler.
type Config struct {
	// Store is the enrollment persistence layer. Required.
	Store enrollment.Store

	// Catalog is the workflow lookup. Required.
	Catalog catalog.Catalog

	// Twilio validates SMS-provider callback signatures. Required for
	// HandleSMSCallback.
	Twilio *webhook.TwilioValidator

	// SendGrid validates email-provider callback signatures. Required
	// for HandleEmailCallback.
	SendGrid *webhook.SendGridValidator

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("intake: Store is required")
	}
	if c.Catalog == nil {
		return errors.New("intake: Catalog is required")
	}
	return nil
}

// Handler is the event intake boundary.
type Handler struct {
	store    enrollment.Store
	catalog  catalog.Catalog
	twilio   *webhook.TwilioValidator
	sendgrid *webhook.SendGridValidator
	logger   Logger
	now      func() time.Time
}

// NewHandler creates a Handler from the given configuration.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		twilio:   cfg.Twilio,
		sendgrid: cfg.SendGrid,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// HandleTrigger enrolls the event's lead into every enabled workflow
// whose trigger matches, due immediately. Creation is fire-and-forget:
// the caller gets an acknowledgment (how many enrollments were created)
// regardless of downstream execution outcome. Redelivery of the same
// event is idempotent per workflow.
func (h *Handler) HandleTrigger(ctx context.Context, ev TriggerEvent) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	if ev.ID == "" {
		// Without a stable event ID there is nothing to deduplicate on.
		ev.ID = uuid.New().String()
	}

	workflows, err := h.catalog.ByTrigger(ctx, ev.WorkspaceID, ev.Type)
	if err != nil {
		return 0, fmt.Errorf("match workflows for event %q: %w", ev.Type, err)
	}

	now := h.now()
	created := 0
	for _, wf := range workflows {
		e := enrollment.Enrollment{
			ID:               uuid.New().String(),
			WorkflowID:       wf.ID,
			WorkspaceID:      ev.WorkspaceID,
			LeadID:           ev.LeadID,
			EventID:          ev.ID,
			Status:           enrollment.StatusPending,
			Context:          ev.Payload,
			CurrentStepOrder: 0,
			NextRunAt:        &now,
			EnrolledAt:       now,
		}
		if err := h.store.Create(ctx, e); err != nil {
			if errors.Is(err, enrollment.ErrDuplicateEnrollment) {
				h.logger.Debug("duplicate trigger delivery ignored",
					"workflowID", wf.ID, "eventID", ev.ID)
				continue
			}
			// Keep enrolling into the remaining workflows; one bad
			// insert should not block the rest.
			h.logger.Error("create enrollment failed",
				"workflowID", wf.ID, "eventID", ev.ID, "error", err)
			continue
		}
		created++
		h.logger.Info("lead enrolled",
			"enrollmentID", e.ID,
			"workflowID", wf.ID,
			"leadID", ev.LeadID,
			"event", ev.Type,
		)
	}
	return created, nil
}

// HandleSMSCallback processes an inbound SMS-provider webhook. The
// signature must validate before any state is touched; a failure is a
// security event, not a retryable error. On success the waiting
// enrollment whose resume condition matches the sender is moved back to
// pending. A resume mismatch is a no-op and returns (nil, nil).
func (h *Handler) HandleSMSCallback(ctx context.Context, workspaceID, requestURL, signature string, params map[string]string) (*enrollment.Enrollment, error) {
	if h.twilio == nil {
		return nil, errors.New("intake: no SMS validator configured")
	}
	if !h.twilio.Validate(requestURL, params, signature) {
		h.logger.Warn("sms callback signature rejected",
			"workspaceID", workspaceID, "url", requestURL)
		return nil, ErrSignatureInvalid
	}

	from := params["From"]
	if from == "" {
		h.logger.Debug("sms callback has no sender", "workspaceID", workspaceID)
		return nil, nil
	}

	return h.resume(ctx, workspaceID, executor.ResumeKey("sms", from))
}

// emailEvent is the subset of a provider event-webhook entry the
// handler needs. The body is a JSON array of these.
type emailEvent struct {
	Email string `json:"email"`
}

// HandleEmailCallback processes an inbound email-provider webhook. The
// signature (over timestamp || body) must validate, including the
// replay-window bound, before any state is touched. Each event in the
// body may resume the waiting enrollment matching its sender address.
// Returns the enrollments resumed; mismatches are no-ops.
func (h *Handler) HandleEmailCallback(ctx context.Context, workspaceID, signature, timestamp, body string) ([]*enrollment.Enrollment, error) {
	if h.sendgrid == nil {
		return nil, errors.New("intake: no email validator configured")
	}
	if !h.sendgrid.Validate(signature, timestamp, body) {
		h.logger.Warn("email callback signature rejected", "workspaceID", workspaceID)
		return nil, ErrSignatureInvalid
	}

	var events []emailEvent
	if err := json.Unmarshal([]byte(body), &events); err != nil {
		// Signed but unparseable. Nothing to resume.
		h.logger.Debug("email callback body not an event array", "workspaceID", workspaceID)
		return nil, nil
	}

	var resumed []*enrollment.Enrollment
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Email == "" || seen[ev.Email] {
			continue
		}
		seen[ev.Email] = true

		e, err := h.resume(ctx, workspaceID, executor.ResumeKey("email", ev.Email))
		if err != nil {
			return resumed, err
		}
		if e != nil {
			resumed = append(resumed, e)
		}
	}
	return resumed, nil
}

// resume wakes the waiting enrollment matching the key, if any.
func (h *Handler) resume(ctx context.Context, workspaceID, resumeKey string) (*enrollment.Enrollment, error) {
	e, err := h.store.Resume(ctx, workspaceID, resumeKey, h.now())
	if err != nil {
		if errors.Is(err, enrollment.ErrNoWaitingEnrollment) {
			// Unrelated or stale callback. Expected, not a fault.
			h.logger.Debug("no waiting enrollment for callback",
				"workspaceID", workspaceID, "resumeKey", resumeKey)
			return nil, nil
		}
		return nil, fmt.Errorf("resume enrollment: %w", err)
	}

	h.logger.Info("enrollment resumed by callback",
		"enrollmentID", e.ID,
		"workflowID", e.WorkflowID,
		"resumeKey", resumeKey,
	)
	return e, nil
}
