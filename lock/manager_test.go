package lock

import (
	"context"
	"testing"
	"time"

	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment"
	"github.com/coppolavegas/leadgenx-crm-sub002/enrollment/memory"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, lease time.Duration, now *time.Time) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	m, err := NewManager(store, lease, func() time.Time { return *now })
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, store
}

func seedPending(t *testing.T, store *memory.Store, id string, dueAt time.Time) {
	t.Helper()
	err := store.Create(context.Background(), enrollment.Enrollment{
		ID:         id,
		WorkflowID: "wf-1",
		EventID:    "ev-" + id,
		Status:     enrollment.StatusPending,
		NextRunAt:  &dueAt,
		EnrolledAt: dueAt,
	})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

func TestNewManager_RequiresStore(t *testing.T) {
	if _, err := NewManager(nil, time.Minute, nil); err == nil {
		t.Error("NewManager(nil store) error = nil, want error")
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(memory.New(), 0, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.Lease() != DefaultLease {
		t.Errorf("Lease() = %v, want DefaultLease %v", m.Lease(), DefaultLease)
	}
}

func TestManager_TryClaim(t *testing.T) {
	now := t0
	m, store := newTestManager(t, time.Minute, &now)
	seedPending(t, store, "e1", t0)

	ok, err := m.TryClaim(context.Background(), "e1", "worker-1")
	if err != nil || !ok {
		t.Fatalf("TryClaim() = (%v, %v), want (true, nil)", ok, err)
	}

	// A second worker loses the race while the lease is live.
	ok, err = m.TryClaim(context.Background(), "e1", "worker-2")
	if err != nil || ok {
		t.Errorf("TryClaim() by second worker = (%v, %v), want (false, nil)", ok, err)
	}

	// After the lease lapses the claim goes through.
	now = t0.Add(2 * time.Minute)
	ok, err = m.TryClaim(context.Background(), "e1", "worker-2")
	if err != nil || !ok {
		t.Errorf("TryClaim() after expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestManager_Renew(t *testing.T) {
	now := t0
	m, store := newTestManager(t, time.Minute, &now)
	seedPending(t, store, "e1", t0)

	if ok, _ := m.TryClaim(context.Background(), "e1", "worker-1"); !ok {
		t.Fatal("TryClaim() = false, want true")
	}

	// Renewal pushes the lease forward from the renewal instant.
	now = t0.Add(50 * time.Second)
	ok, err := m.Renew(context.Background(), "e1", "worker-1")
	if err != nil || !ok {
		t.Fatalf("Renew() = (%v, %v), want (true, nil)", ok, err)
	}

	// 70s after claim but only 20s after renewal: still held.
	now = t0.Add(70 * time.Second)
	ok, err = m.TryClaim(context.Background(), "e1", "worker-2")
	if err != nil || ok {
		t.Errorf("TryClaim() after renewal = (%v, %v), want (false, nil)", ok, err)
	}

	// A non-owner cannot renew.
	ok, err = m.Renew(context.Background(), "e1", "worker-2")
	if err != nil || ok {
		t.Errorf("Renew() by non-owner = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestManager_Release(t *testing.T) {
	now := t0
	m, store := newTestManager(t, time.Minute, &now)
	seedPending(t, store, "e1", t0)

	if ok, _ := m.TryClaim(context.Background(), "e1", "worker-1"); !ok {
		t.Fatal("TryClaim() = false, want true")
	}
	if err := m.Release(context.Background(), "e1", "worker-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Released rows are immediately claimable again.
	ok, err := m.TryClaim(context.Background(), "e1", "worker-2")
	if err != nil || !ok {
		t.Errorf("TryClaim() after release = (%v, %v), want (true, nil)", ok, err)
	}
}
