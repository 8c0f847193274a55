// Package lock implements the lease-based claim protocol that grants a
// worker exclusive execution rights over an enrollment row. There is no
// external lock service: a claim is a conditional write against the
// enrollment store, and lease expiry is the sole crash-recovery
// mechanism. A worker that dies mid-step leaves a lock that silently
// expires, letting another worker retry the row, so step actions must
// be safe to retry after partial execution.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
)

// DefaultLease is the default lock lease duration. It bounds how long a
// crashed worker can stall one enrollment.
const DefaultLease = 2 * time.Minute

// Manager implements tryClaim/renew/release over an enrollment store.
type Manager struct {
	store enrollment.Store
	lease time.Duration
	now   func() time.Time
}

// NewManager creates a lock manager with the given lease duration.
// A non-positive lease falls back to DefaultLease; a nil clock falls
// back to time.Now.
func NewManager(store enrollment.Store, lease time.Duration, now func() time.Time) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lock: store is required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, lease: lease, now: now}, nil
}

// Lease returns the configured lease duration.
func (m *Manager) Lease() time.Duration {
	return m.lease
}

// TryClaim attempts to claim the enrollment for workerID. It succeeds
// only if the lock is absent or expired; losing the race to another
// worker returns false without error. Contention is expected, not a
// fault.
func (m *Manager) TryClaim(ctx context.Context, enrollmentID, workerID string) (bool, error) {
	return m.store.TryClaim(ctx, enrollmentID, workerID, m.now(), m.lease)
}

// Renew extends the caller's lease. Returns false if the lock was
// already lost to expiry and reclaim, or the row left an executable
// status; the caller must abort without further side effects.
func (m *Manager) Renew(ctx context.Context, enrollmentID, workerID string) (bool, error) {
	return m.store.RenewLock(ctx, enrollmentID, workerID, m.now())
}

// Release clears the lock if the caller still owns it. Releasing a lock
// already claimed by someone else is a no-op, never a steal.
func (m *Manager) Release(ctx context.Context, enrollmentID, workerID string) error {
	return m.store.ReleaseLock(ctx, enrollmentID, workerID)
}
