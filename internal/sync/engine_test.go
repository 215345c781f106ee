package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *mockStore, *mockAuthority, *mockRescheduler) {
	t.Helper()
	st := newMockStore()
	auth := newMockAuthority()
	resched := &mockRescheduler{}
	e := New(st, auth, auth, resched, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time {
		return time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	}
	return e, st, auth, resched
}

func event(id string) *model.Event {
	return &model.Event{
		ID:       id,
		Title:    "Event " + id,
		Calendar: model.CalendarSolar,
		Date:     time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC),
		Recurrence: model.Recurrence{
			Type:  model.RecurYearly,
			Month: time.June,
			Day:   15,
		},
	}
}

func TestSync_AcceptsDirtyBatch(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"), event("b"))

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Accepted != 2 || res.Conflicts != 0 {
		t.Errorf("result = %+v, want 2 accepted", res)
	}

	for _, id := range []string{"a", "b"} {
		ev := st.get(id)
		if ev.Dirty {
			t.Errorf("%s still dirty after ack", id)
		}
		if ev.RemoteID == "" {
			t.Errorf("%s has no remote id after ack", id)
		}
	}

	req := auth.lastRequest()
	if len(req.Events) != 2 {
		t.Errorf("outgoing batch had %d events, want 2", len(req.Events))
	}
}

func TestSync_Idempotent(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Accepted != 0 {
		t.Errorf("second sync accepted %d, want 0", res.Accepted)
	}
	if got := auth.lastRequest(); len(got.Events) != 0 {
		t.Errorf("second sync sent %d events, want 0", len(got.Events))
	}
}

func TestSync_SkippedOffline(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))
	auth.online = false

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Skipped || res.Reason != "offline" {
		t.Errorf("result = %+v, want skipped: offline", res)
	}
	if auth.requestCount() != 0 {
		t.Error("offline sync still contacted the authority")
	}
	if st.get("a").Dirty != true {
		t.Error("offline sync touched the dirty flag")
	}

	status, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateOffline || status.PendingCount != 1 {
		t.Errorf("status = %+v, want offline with 1 pending", status)
	}
}

func TestSync_InFlightGuard(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	st.seed(event("a"))

	// Simulate an attempt already running.
	e.inFlight.Store(true)

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Skipped || res.Reason != "in flight" {
		t.Errorf("result = %+v, want skipped: in flight", res)
	}
}

func TestSync_ExchangeFailureLeavesStateUntouched(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))
	auth.failExchange = errors.New("authority down")

	_, err := e.Sync(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !st.get("a").Dirty {
		t.Error("failed sync cleared a dirty flag")
	}
	if st.cursor.LastSyncedVersion != 0 {
		t.Error("failed sync advanced the cursor")
	}

	status, statusErr := e.Status(context.Background())
	if statusErr != nil {
		t.Fatalf("Status: %v", statusErr)
	}
	if status.State != StateFailed || status.LastError == "" {
		t.Errorf("status = %+v, want failed with error text", status)
	}

	// The next attempt is a full retry of the same batch.
	auth.failExchange = nil
	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("retry Sync: %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("retry accepted %d, want 1", res.Accepted)
	}
}

func TestSync_PullsServerChanges(t *testing.T) {
	e, st, auth, resched := newTestEngine(t)

	incoming := event("remote-1")
	incoming.RemoteID = "srv-remote-1"
	incoming.Version = 9000
	auth.serverChanges = []*model.Event{incoming}

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("pulled %d, want 1", res.Pulled)
	}

	got := st.get("remote-1")
	if got == nil || got.Dirty {
		t.Fatalf("pulled record = %+v, want stored clean", got)
	}
	if got.Version != 9000 {
		t.Errorf("pulled version = %d, want 9000", got.Version)
	}

	// New content means reminders must be recomputed.
	if calls := resched.rescheduled(); len(calls) != 1 || calls[0] != "remote-1" {
		t.Errorf("rescheduled = %v, want [remote-1]", calls)
	}
}

func TestSync_NeverRegresses(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))
	local := st.get("a")

	older := event("a")
	older.Version = local.Version - 1
	older.Title = "stale copy"
	auth.serverChanges = []*model.Event{older}

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pulled != 0 {
		t.Errorf("pulled %d, want 0: older version must be a no-op", res.Pulled)
	}
	if st.get("a").Title == "stale copy" {
		t.Error("older server version overwrote newer local record")
	}
}

func TestSync_ConflictDetection(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))
	local := st.get("a")

	remote := event("a")
	remote.RemoteID = "srv-a"
	remote.Title = "authority edit"
	remote.Version = local.Version + 500
	auth.conflictWith["a"] = remote

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", res.Conflicts)
	}

	// Neither side is silently overwritten: local stays dirty and intact.
	got := st.get("a")
	if !got.Dirty || got.Title != local.Title {
		t.Errorf("conflicted record = %+v, want untouched and dirty", got)
	}

	queued := e.Conflicts().List()
	if len(queued) != 1 || queued[0].Local.ID != "a" || queued[0].Remote.Title != "authority edit" {
		t.Errorf("surface = %+v", queued)
	}

	status, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateConflictsPending || status.Conflicts != 1 {
		t.Errorf("status = %+v, want conflicts_pending with 1 conflict", status)
	}
}

func TestSync_CursorAdvancesOnSuccess(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if st.cursor.LastSyncedVersion != auth.version {
		t.Errorf("cursor = %d, want authority high-water mark %d",
			st.cursor.LastSyncedVersion, auth.version)
	}
	if st.cursor.LastSyncAt.IsZero() {
		t.Error("cursor lastSyncAt not stamped")
	}
}

func TestSync_EditDuringExchangeStaysDirty(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"), event("b"))

	// A local edit lands while the exchange is in flight. The ack carries
	// the collection-time version, so it must bounce and the edit must
	// survive for the next attempt.
	auth.duringSync = func() { st.edit("a", "edited mid flight") }

	res, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.StaleAcks != 1 || res.Accepted != 1 {
		t.Errorf("result = %+v, want 1 stale ack and 1 accepted", res)
	}

	got := st.get("a")
	if !got.Dirty {
		t.Error("mid-flight edit lost its dirty flag to a stale ack")
	}
	if got.Title != "edited mid flight" {
		t.Errorf("title = %q, want the mid-flight edit preserved", got.Title)
	}
	if st.get("b").Dirty {
		t.Error("unedited record not cleaned by its ack")
	}

	// The edit goes out on the following attempt.
	auth.duringSync = nil
	res, err = e.Sync(context.Background())
	if err != nil {
		t.Fatalf("retry Sync: %v", err)
	}
	if res.Accepted != 1 || res.StaleAcks != 0 {
		t.Errorf("retry result = %+v, want the edit accepted", res)
	}
	if st.get("a").Dirty {
		t.Error("record still dirty after the retry's ack")
	}
}

func TestStatus_FallsBackToPersistedCursor(t *testing.T) {
	e, st, _, _ := newTestEngine(t)

	// A previous process run synced and saved the cursor; this engine has
	// not synced yet.
	at := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	st.cursor = store.Cursor{LastSyncedVersion: 42, LastSyncAt: at}

	status, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.LastSyncAt.Equal(at) {
		t.Errorf("LastSyncAt = %v, want the persisted cursor time %v", status.LastSyncAt, at)
	}
}

func TestResolveConflict_PreservesLastSyncAt(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))

	remote := event("a")
	remote.RemoteID = "srv-a"
	remote.Version = st.get("a").Version + 500
	auth.conflictWith["a"] = remote

	syncTime := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Resolution happens much later; it is not an exchange and must not
	// restamp the sync time.
	e.now = func() time.Time {
		return time.Date(2025, time.July, 9, 12, 0, 0, 0, time.UTC)
	}
	if err := e.ResolveConflict(context.Background(), "a", false); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	status, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateIdle {
		t.Errorf("state = %s, want idle after resolution", status.State)
	}
	if !status.LastSyncAt.Equal(syncTime) {
		t.Errorf("LastSyncAt = %v, want the exchange time %v", status.LastSyncAt, syncTime)
	}
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	e, st, auth, resched := newTestEngine(t)
	st.seed(event("a"))
	local := st.get("a")

	remote := event("a")
	remote.RemoteID = "srv-a"
	remote.Version = local.Version + 500
	auth.conflictWith["a"] = remote

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.ResolveConflict(context.Background(), "a", true); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	if len(auth.forceUpdated) != 1 || auth.forceUpdated[0].ID != "a" {
		t.Errorf("forceUpdated = %+v, want the local copy of a", auth.forceUpdated)
	}
	got := st.get("a")
	if got.Dirty {
		t.Error("record still dirty after keep-local resolution")
	}
	if got.Title != local.Title {
		t.Errorf("title = %q, want local %q", got.Title, local.Title)
	}
	if e.Conflicts().Len() != 0 {
		t.Error("conflict still queued after resolution")
	}
	if calls := resched.rescheduled(); len(calls) == 0 {
		t.Error("resolution did not trigger a reminder reschedule")
	}
}

func TestResolveConflict_KeepRemote(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))
	local := st.get("a")

	remote := event("a")
	remote.RemoteID = "srv-a"
	remote.Title = "authority edit"
	remote.Version = local.Version + 500
	auth.conflictWith["a"] = remote

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := e.ResolveConflict(context.Background(), "a", false); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	got := st.get("a")
	if got.Dirty || got.Title != "authority edit" || got.Version != remote.Version {
		t.Errorf("record = %+v, want the clean authority copy", got)
	}
	if len(auth.forceUpdated) != 0 {
		t.Error("keep-remote resolution called ForceUpdate")
	}
}

func TestResolveConflict_Unknown(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if err := e.ResolveConflict(context.Background(), "ghost", true); err == nil {
		t.Fatal("expected error for unknown conflict")
	}
}

func TestStatusHub_LatestValueWins(t *testing.T) {
	h := newStatusHub()
	ch, cancel := h.subscribe()
	defer cancel()

	// Drain the initial snapshot.
	<-ch

	h.publish(Status{State: StateSyncing})
	h.publish(Status{State: StateFailed})
	h.publish(Status{State: StateIdle})

	got := <-ch
	if got.State != StateIdle {
		t.Errorf("delivered state = %s, want the latest (idle)", got.State)
	}
	select {
	case s := <-ch:
		t.Errorf("unexpected extra snapshot %+v", s)
	default:
	}
}

func TestSurface_Notifications(t *testing.T) {
	s := NewSurface()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Push(Conflict{Local: event("a"), Remote: event("a")})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after Push")
	}

	// Same identity replaces, not duplicates.
	s.Push(Conflict{Local: event("a"), Remote: event("a")})
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1 after re-push of same identity", s.Len())
	}
}

func TestSync_ConcurrentCallsCollapse(t *testing.T) {
	e, st, auth, _ := newTestEngine(t)
	st.seed(event("a"))

	var wg stdsync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.Sync(context.Background())
			if err != nil {
				t.Errorf("Sync: %v", err)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	ran := 0
	for _, r := range results {
		if !r.Skipped {
			ran++
		}
	}
	// At least one ran; the record ends up clean exactly once.
	if ran == 0 {
		t.Fatal("no attempt ran")
	}
	if st.get("a").Dirty {
		t.Error("record still dirty after concurrent syncs")
	}
	if auth.requestCount() != ran {
		t.Errorf("authority saw %d requests, want %d", auth.requestCount(), ran)
	}
}
