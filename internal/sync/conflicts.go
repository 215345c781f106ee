package sync

import (
	stdsync "sync"

	"github.com/tdnguyen/datekeeper/internal/model"
)

// Conflict pairs the local and authority versions of one record that the
// authority refused to merge. It stays queued, and the record stays dirty,
// until [Engine.ResolveConflict] decides a winner.
type Conflict struct {
	Local  *model.Event
	Remote *model.Event
}

// Surface is the in-memory conflict queue. It is not persisted: a restart
// before resolution re-detects the same conflicts on the next sync because
// the dirty flags were preserved.
type Surface struct {
	mu    stdsync.Mutex
	queue []Conflict
	subs  map[chan struct{}]struct{}
}

// NewSurface creates an empty Surface.
func NewSurface() *Surface {
	return &Surface{subs: make(map[chan struct{}]struct{})}
}

// Push queues a conflict. A second conflict for the same identity replaces
// the first; only the latest detection matters.
func (s *Surface) Push(c Conflict) {
	s.mu.Lock()
	replaced := false
	for i := range s.queue {
		if s.queue[i].Local.ID == c.Local.ID {
			s.queue[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.queue = append(s.queue, c)
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// List returns a copy of the queued conflicts in detection order.
func (s *Surface) List() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, len(s.queue))
	copy(out, s.queue)
	return out
}

// Take removes and returns the conflict for the given local identity.
func (s *Surface) Take(localID string) (Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.queue {
		if c.Local.ID == localID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.notifyLocked()
			return c, true
		}
	}
	return Conflict{}, false
}

// Len reports how many conflicts are queued.
func (s *Surface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Subscribe registers for change notifications. The channel carries no
// payload; subscribers re-read [Surface.List]. Notifications coalesce: a
// slow subscriber sees at most one pending signal.
func (s *Surface) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Surface) notifyLocked() {
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
