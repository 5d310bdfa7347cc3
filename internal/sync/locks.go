package sync

import (
	gosync "sync"
)

// lockTable serializes passes per provider. A worker that cannot take the
// lock aborts immediately; it never blocks waiting for the running pass.
type lockTable struct {
	mu   gosync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for providerID, returning false if it is
// already held.
func (t *lockTable) TryAcquire(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[providerID]; ok {
		return false
	}
	t.held[providerID] = struct{}{}
	return true
}

// Release frees the lock for providerID.
func (t *lockTable) Release(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, providerID)
}
