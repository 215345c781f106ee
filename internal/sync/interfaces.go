// Package sync implements the offline-first synchronization engine. One
// sync attempt is a finite sequence: collect the dirty batch, exchange it
// with the remote authority in a single request, reconcile the three-way
// reply (accepted, server changes, conflicts). It is guarded so the engine is
// never concurrent with itself.
//
// The package contains three main components:
//
//   - [Engine] runs sync attempts and conflict resolution.
//   - [Surface] queues detected conflicts for explicit resolution.
//   - the status hub delivers [Status] updates latest-value-wins.
package sync

import (
	"context"
	"time"

	"github.com/tdnguyen/datekeeper/internal/authority"
	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/store"
)

// Store is the subset of [store.Store] the engine reconciles through.
type Store interface {
	ListDirty(ctx context.Context) ([]*model.Event, error)
	Get(ctx context.Context, id string) (*model.Event, error)
	MarkClean(ctx context.Context, id, remoteID string, ackedVersion int64) (bool, error)
	ApplyAuthorityVersion(ctx context.Context, ev *model.Event) error
	DirtyCount(ctx context.Context) (int, error)
	LoadCursor(ctx context.Context) (store.Cursor, error)
	SaveCursor(ctx context.Context, c store.Cursor) error
}

// Authority is the remote exchange collaborator.
// Implemented by [authority.Client].
type Authority interface {
	Sync(ctx context.Context, req authority.SyncRequest) (*authority.SyncResponse, error)
	ForceUpdate(ctx context.Context, ev *model.Event) error
}

// Probe reports whether the authority is reachable.
// Implemented by [authority.Client].
type Probe interface {
	Online(ctx context.Context) bool
}

// Rescheduler recomputes platform reminders after a record's content
// changed. Implemented by [reminder.Scheduler].
type Rescheduler interface {
	RescheduleFor(ctx context.Context, ev *model.Event) error
}

// clock is overridable in tests.
type clock func() time.Time
