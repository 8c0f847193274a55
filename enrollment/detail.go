package enrollment

import (
	"encoding/json"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/catalog"
)

// RunDetail is one run in the read contract, joined with its step's
// order, action type, and config.
type RunDetail struct {
	ID         string             `json:"id"`
	StepID     string             `json:"step_id"`
	Status     RunStatus          `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Error      *string            `json:"error,omitempty"`
	StepOrder  *int               `json:"step_order,omitempty"`
	Action     catalog.ActionType `json:"action_type,omitempty"`
	Config     json.RawMessage    `json:"action_config,omitempty"`
}

// Detail is the enrollment read contract consumed by UI and admin
// surfaces. It is produced by this engine and read-only to everyone
// else.
type Detail struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"`
	WorkspaceID      *string          `json:"workspace_id,omitempty"`
	LeadID           *string          `json:"lead_id,omitempty"`
	EventID          string           `json:"event_id"`
	Status           string           `json:"status"`
	EnrolledAt       time.Time        `json:"enrolled_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	LastError        *string          `json:"last_error,omitempty"`
	Context          json.RawMessage  `json:"context,omitempty"`
	CurrentStepOrder *int             `json:"current_step_order,omitempty"`
	NextRunAt        *time.Time       `json:"next_run_at,omitempty"`
	LockedAt         *time.Time       `json:"locked_at,omitempty"`
	LockOwner        *string          `json:"lock_owner,omitempty"`
	Workflow         *catalog.Summary `json:"workflow,omitempty"`
	Runs             []RunDetail      `json:"runs,omitempty"`
}

// NewDetail assembles the read contract from an enrollment, its
// workflow definition, and its recent runs. Workflow and runs are
// optional embeds; pass nil to omit them.
func NewDetail(e *Enrollment, wf *catalog.Workflow, runs []Run) Detail {
	d := Detail{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		EventID:     e.EventID,
		Status:      e.Status.String(),
		EnrolledAt:  e.EnrolledAt,
		CompletedAt: e.CompletedAt,
		Context:     e.Context,
		NextRunAt:   e.NextRunAt,
		LockedAt:    e.LockedAt,
	}

	if e.WorkspaceID != "" {
		d.WorkspaceID = &e.WorkspaceID
	}
	if e.LeadID != "" {
		d.LeadID = &e.LeadID
	}
	if e.LastError != "" {
		d.LastError = &e.LastError
	}
	if e.LockOwner != "" {
		d.LockOwner = &e.LockOwner
	}
	if !e.Status.IsTerminal() {
		order := e.CurrentStepOrder
		d.CurrentStepOrder = &order
	}

	if wf != nil {
		summary := wf.Summarize()
		d.Workflow = &summary
	}

	for _, r := range runs {
		rd := RunDetail{
			ID:         r.ID,
			StepID:     r.StepID,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
		if r.Error != "" {
			errDetail := r.Error
			rd.Error = &errDetail
		}
		order := r.StepOrder
		rd.StepOrder = &order
		if wf != nil {
			if step, ok := wf.StepAt(r.StepOrder); ok {
				rd.Action = step.Action
				rd.Config = step.Config
			}
		}
		d.Runs = append(d.Runs, rd)
	}

	return d
}
