package catalog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCatalog is a thread-safe in-memory Catalog.
// It backs tests and embedded deployments; production deployments wrap
// whatever store the authoring surfaces persist workflows in.
type MemoryCatalog struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		workflows: make(map[string]*Workflow),
	}
}

// Register validates and adds a workflow. Registering the same ID again
// replaces the previous definition.
func (c *MemoryCatalog) Register(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows[w.ID] = w
	return nil
}

// Get retrieves a workflow by ID.
func (c *MemoryCatalog) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return w, nil
}

// ByTrigger returns enabled workflows matching the trigger event type,
// scoped to the workspace.
func (c *MemoryCatalog) ByTrigger(ctx context.Context, workspaceID, eventType string) ([]*Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []*Workflow
	for _, w := range c.workflows {
		if !w.Enabled || w.TriggerEvent != eventType {
			continue
		}
		if w.WorkspaceID != "" && w.WorkspaceID != workspaceID {
			continue
		}
		matches = append(matches, w)
	}
	return matches, nil
}
