// Package catalog provides read-only access to workflow definitions.
// Workflows are authored elsewhere (CRUD surfaces out of scope); the
// execution engine only ever reads them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrWorkflowNotFound is returned when a workflow is not in the catalog.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ActionType classifies what a workflow step does.
// The set is closed: the executor dispatches on it exhaustively.
type ActionType string

const (
	// ActionSendMessage sends an outbound message (SMS or email) through
	// the external send capability.
	ActionSendMessage ActionType = "send_message"

	// ActionWaitDelay pauses the enrollment for a fixed duration before
	// the next step becomes due.
	ActionWaitDelay ActionType = "wait_delay"

	// ActionWaitForReply parks the enrollment until a verified inbound
	// callback matching its resume condition arrives.
	ActionWaitForReply ActionType = "wait_for_reply"

	// ActionBranch jumps to a later step based on a context binding.
	ActionBranch ActionType = "branch"
)

// Valid reports whether the action type is one of the known kinds.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSendMessage, ActionWaitDelay, ActionWaitForReply, ActionBranch:
		return true
	default:
		return false
	}
}

// Step is one action in a workflow's ordered sequence.
type Step struct {
	// ID is the unique identifier for this step.
	ID string

	// WorkflowID identifies the owning workflow.
	WorkflowID string

	// Order is the step's position in the sequence. Orders are dense,
	// ascending, and unique within a workflow, starting at 0.
	Order int

	// Action is the step's action type.
	Action ActionType

	// Config holds action-specific parameters. It is opaque to the
	// catalog; the executor decodes it per action type.
	Config json.RawMessage
}

// Workflow is an immutable-per-version automation definition.
type Workflow struct {
	// ID is the unique identifier for this workflow.
	ID string

	// Name is the human-readable workflow name.
	Name string

	// WorkspaceID is the owning workspace. Empty means the workflow is
	// global and matches any workspace.
	WorkspaceID string

	// TriggerEvent is the business event type that enrolls leads into
	// this workflow (e.g., "lead_created").
	TriggerEvent string

	// Enabled gates trigger matching. Disabled workflows never create
	// new enrollments; existing enrollments keep running.
	Enabled bool

	// Steps is the ordered step sequence, ascending by Order.
	Steps []Step
}

// StepAt returns the step with the given order.
func (w *Workflow) StepAt(order int) (Step, bool) {
	for _, s := range w.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// LastOrder returns the highest step order, or -1 for an empty workflow.
func (w *Workflow) LastOrder() int {
	if len(w.Steps) == 0 {
		return -1
	}
	return w.Steps[len(w.Steps)-1].Order
}

// Validate checks structural invariants: at least one step, dense
// ascending orders starting at 0, and known action types.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.New("catalog: workflow ID is required")
	}
	if w.TriggerEvent == "" {
		return fmt.Errorf("catalog: workflow %s: trigger event is required", w.ID)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("catalog: workflow %s: at least one step is required", w.ID)
	}
	for i, s := range w.Steps {
		if s.Order != i {
			return fmt.Errorf("catalog: workflow %s: step orders must be dense and ascending, got %d at position %d", w.ID, s.Order, i)
		}
		if !s.Action.Valid() {
			return fmt.Errorf("catalog: workflow %s: step %d has unknown action type %q", w.ID, s.Order, s.Action)
		}
	}
	return nil
}

// Summary is a lightweight workflow representation for read contracts.
type Summary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TriggerEvent string `json:"trigger_event"`
	StepCount    int    `json:"step_count"`
}

// Summarize returns the workflow's summary representation.
func (w *Workflow) Summarize() Summary {
	return Summary{
		ID:           w.ID,
		Name:         w.Name,
		TriggerEvent: w.TriggerEvent,
		StepCount:    len(w.Steps),
	}
}

// Catalog is the read-only workflow lookup used by the engine.
// Implementations must be safe for concurrent use.
type Catalog interface {
	// Get retrieves a workflow by ID.
	// Returns ErrWorkflowNotFound if no workflow matches.
	Get(ctx context.Context, workflowID string) (*Workflow, error)

	// ByTrigger returns all enabled workflows whose trigger event type
	// matches, scoped to the workspace. Workflows with an empty
	// WorkspaceID match any workspace.
	ByTrigger(ctx context.Context, workspaceID, eventType string) ([]*Workflow, error)
}
