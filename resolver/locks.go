package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pocketpay/spendflow/resolver/models"
)

// lockTable serializes authorizations that touch overlapping balance pools.
// Locks are keyed by ledger identifier, since that is the unit of shared
// mutable balance: two pockets on one ledger drain the same pool.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) lock(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

// Acquire takes exclusive locks on every key, deduplicated and in
// lexicographic order so that overlapping acquisitions cannot deadlock.
// The whole acquisition must complete within wait; on timeout all locks
// taken so far are released and ErrLockTimeout is returned.
func (t *lockTable) Acquire(ctx context.Context, keys []string, wait time.Duration) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	held := make([]chan struct{}, 0, len(sorted))
	release := func() {
		// Reverse order, matching acquisition discipline.
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, k := range sorted {
		ch := t.lock(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-deadline.C:
			release()
			return nil, fmt.Errorf("acquiring lock on %s: %w", k, models.ErrLockTimeout)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("acquiring lock on %s: %w", k, models.ErrLockTimeout)
		}
	}
	return release, nil
}
