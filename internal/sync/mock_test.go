package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/tdnguyen/datekeeper/internal/authority"
	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/store"
)

// --- Mock store --------------------------------------------------------------

type mockStore struct {
	mu          stdsync.Mutex
	events      map[string]*model.Event
	cursor      store.Cursor
	nextVersion int64
}

func newMockStore() *mockStore {
	return &mockStore{events: make(map[string]*model.Event), nextVersion: 1000}
}

// seed inserts an event as a fresh local mutation: version assigned, dirty.
func (m *mockStore) seed(events ...*model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.nextVersion++
		cp := ev.Clone()
		cp.Version = m.nextVersion
		cp.Dirty = true
		m.events[cp.ID] = cp
	}
}

// edit simulates a local mutation: bump version, set dirty.
func (m *mockStore) edit(id, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Title = title
	m.nextVersion++
	ev.Version = m.nextVersion
	ev.Dirty = true
}

func (m *mockStore) ListDirty(_ context.Context) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, ev := range m.events {
		if ev.Dirty {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) Get(_ context.Context, id string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	return ev.Clone(), nil
}

func (m *mockStore) MarkClean(_ context.Context, id, remoteID string, ackedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Version != ackedVersion {
		return false, nil
	}
	ev.Dirty = false
	ev.RemoteID = remoteID
	return true, nil
}

func (m *mockStore) ApplyAuthorityVersion(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := ev.Clone()
	cp.Dirty = false
	m.events[cp.ID] = cp
	return nil
}

func (m *mockStore) DirtyCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Dirty {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) LoadCursor(_ context.Context) (store.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *mockStore) SaveCursor(_ context.Context, c store.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = c
	return nil
}

func (m *mockStore) get(id string) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		return ev.Clone()
	}
	return nil
}

// --- Mock authority ----------------------------------------------------------

// mockAuthority acknowledges everything it receives by default; tests can
// script server changes, conflicts, or a hard failure instead.
type mockAuthority struct {
	mu stdsync.Mutex

	online        bool
	failExchange  error
	serverChanges []*model.Event
	conflictWith  map[string]*model.Event // localID → authority's copy
	duringSync    func()                  // runs while the exchange is in flight

	requests     []authority.SyncRequest
	forceUpdated []*model.Event
	version      int64
}

func newMockAuthority() *mockAuthority {
	return &mockAuthority{
		online:       true,
		conflictWith: make(map[string]*model.Event),
		version:      5000,
	}
}

func (m *mockAuthority) Online(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *mockAuthority) Sync(_ context.Context, req authority.SyncRequest) (*authority.SyncResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.failExchange != nil {
		return nil, m.failExchange
	}
	if m.duringSync != nil {
		m.duringSync()
	}

	resp := &authority.SyncResponse{}
	for _, ev := range req.Events {
		if remote, ok := m.conflictWith[ev.ID]; ok {
			resp.Conflicts = append(resp.Conflicts, authority.Conflict{
				Client: ev.Clone(),
				Server: remote.Clone(),
			})
			continue
		}
		m.version++
		resp.Processed = append(resp.Processed, authority.ProcessedEvent{
			LocalID:  ev.ID,
			ServerID: fmt.Sprintf("srv-%s", ev.ID),
		})
	}
	resp.ServerChanges = m.serverChanges
	m.serverChanges = nil
	m.version++
	resp.LastSyncVersion = m.version
	return resp, nil
}

func (m *mockAuthority) ForceUpdate(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceUpdated = append(m.forceUpdated, ev.Clone())
	delete(m.conflictWith, ev.ID)
	return nil
}

func (m *mockAuthority) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockAuthority) lastRequest() authority.SyncRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// --- Mock rescheduler --------------------------------------------------------

type mockRescheduler struct {
	mu    stdsync.Mutex
	calls []string
}

func (m *mockRescheduler) RescheduleFor(_ context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ev.ID)
	return nil
}

func (m *mockRescheduler) rescheduled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
