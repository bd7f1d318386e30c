package automation

import (
	"context"
	"sync"
	"time"
)

// Leaser grants exclusive, time-bounded run rights per schedule.
// An expired lease can be reclaimed by any owner.
type Leaser interface {
	Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scheduleID, owner string) error
}

type lease struct {
	owner string
	until time.Time
}

// LeaseTable is an in-process Leaser. It only coordinates runs inside one process.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewLeaseTable() *LeaseTable {
	return &LeaseTable{leases: make(map[string]lease), now: time.Now}
}

func (t *LeaseTable) Acquire(_ context.Context, scheduleID, owner string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if cur, ok := t.leases[scheduleID]; ok && cur.until.After(now) && cur.owner != owner {
		return false, nil
	}
	t.leases[scheduleID] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

// Release is a no-op unless owner still holds the lease.
func (t *LeaseTable) Release(_ context.Context, scheduleID, owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.leases[scheduleID]; ok && cur.owner == owner {
		delete(t.leases, scheduleID)
	}
	return nil
}

// Held reports whether an unexpired lease exists for scheduleID at now.
func (t *LeaseTable) Held(scheduleID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[scheduleID]
	return ok && cur.until.After(now)
}

// SetClock replaces the time source. Intended for tests.
func (t *LeaseTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}
