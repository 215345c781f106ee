package sync

import (
	stdsync "sync"
	"time"
)

// State names the outcome of the most recent sync activity.
type State string

const (
	// StateIdle means the last attempt finished cleanly with nothing pending.
	StateIdle State = "idle"
	// StateSyncing means an attempt is currently running.
	StateSyncing State = "syncing"
	// StateOffline means the last attempt was skipped: authority unreachable.
	StateOffline State = "offline"
	// StateFailed means the last attempt's exchange or reconciliation failed.
	StateFailed State = "failed"
	// StateConflictsPending means records await explicit conflict resolution.
	StateConflictsPending State = "conflicts_pending"
)

// Status is a snapshot of the engine's sync state for UI consumption.
// Offline and failed are deliberately distinct: "no internet" is not an
// error the user can act on the same way.
type Status struct {
	State        State
	IsSyncing    bool
	LastSyncAt   time.Time
	PendingCount int
	Conflicts    int
	LastError    string
}

// statusHub fans Status snapshots out to subscribers with latest-value-wins
// delivery: each subscriber channel holds at most one pending snapshot, and
// a newer one displaces it. Publishing never blocks.
type statusHub struct {
	mu   stdsync.Mutex
	last Status
	subs map[chan Status]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[chan Status]struct{})}
}

func (h *statusHub) publish(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
	for ch := range h.subs {
		// Displace a stale pending snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) latest() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// subscribe registers a new subscriber. The returned cancel function must be
// called to release it.
func (h *statusHub) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	ch <- h.last
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
