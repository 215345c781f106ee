package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/tdnguyen/datekeeper/internal/authority"
	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/store"
)

const (
	otelScope       = "datekeeper/sync"
	spanAttempt     = "sync.attempt"
	metricAccepted  = "datekeeper.sync.accepted"
	metricPulled    = "datekeeper.sync.pulled"
	metricConflicts = "datekeeper.sync.conflicts"
	metricSkipped   = "datekeeper.sync.skipped"
	metricErrors    = "datekeeper.sync.errors"
)

// Result summarizes one sync attempt.
type Result struct {
	// Skipped is true when no exchange happened (offline, or an attempt
	// was already in flight). Reason says which.
	Skipped bool
	Reason  string

	Accepted  int // dirty records the authority stored as-is
	Pulled    int // server changes applied locally
	Conflicts int // records queued on the conflict surface
	StaleAcks int // acks rejected because the record changed mid-flight
}

// Engine orchestrates sync attempts and conflict resolution. Create one
// with [New]. An Engine is safe for concurrent use; overlapping Sync calls
// collapse into one attempt via the in-flight guard.
type Engine struct {
	store     Store
	authority Authority
	probe     Probe
	resched   Rescheduler
	conflicts *Surface
	log       *slog.Logger
	now       clock

	inFlight atomic.Bool
	status   *statusHub

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntAccepted  metric.Int64Counter
	cntPulled    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntSkipped   metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// New creates an Engine.
func New(st Store, auth Authority, probe Probe, resched Rescheduler, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:     st,
		authority: auth,
		probe:     probe,
		resched:   resched,
		conflicts: NewSurface(),
		log:       logger,
		now:       time.Now,
		status:    newStatusHub(),

		tracer:       tracer,
		cntAccepted:  mustCounter(metricAccepted, "Dirty records accepted by the authority"),
		cntPulled:    mustCounter(metricPulled, "Server changes applied locally"),
		cntConflicts: mustCounter(metricConflicts, "Conflicts queued for resolution"),
		cntSkipped:   mustCounter(metricSkipped, "Sync attempts skipped (offline or in flight)"),
		cntErrors:    mustCounter(metricErrors, "Sync attempts that failed"),
	}
}

// Conflicts exposes the conflict surface for UI layers.
func (e *Engine) Conflicts() *Surface {
	return e.conflicts
}

// SubscribeStatus registers for status snapshots, latest-value-wins.
func (e *Engine) SubscribeStatus() (<-chan Status, func()) {
	return e.status.subscribe()
}

// Status returns the current sync status including live pending and
// conflict counts.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	s := e.status.latest()
	pending, err := e.store.DirtyCount(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading pending count: %w", err)
	}
	s.PendingCount = pending
	s.Conflicts = e.conflicts.Len()
	s.IsSyncing = e.inFlight.Load()
	if s.State == "" {
		s.State = StateIdle
	}
	if s.LastSyncAt.IsZero() {
		// Nothing synced in this process yet; the cursor remembers the
		// last successful exchange across restarts.
		cursor, err := e.store.LoadCursor(ctx)
		if err != nil {
			return Status{}, fmt.Errorf("reading cursor: %w", err)
		}
		s.LastSyncAt = cursor.LastSyncAt
	}
	return s, nil
}

// Sync runs one attempt. A second call while one is in flight is a no-op
// returning a skipped Result, never queued. An unreachable authority also
// skips: offline is a status, not an error. Exchange or reconciliation
// failures leave every dirty flag and the cursor untouched, so the next
// attempt is a full retry.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.cntSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "in_flight")))
		return Result{Skipped: true, Reason: "in flight"}, nil
	}
	defer e.inFlight.Store(false)

	ctx, span := e.tracer.Start(ctx, spanAttempt)
	defer span.End()

	if !e.probe.Online(ctx) {
		e.cntSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "offline")))
		span.SetAttributes(attribute.String("sync.skipped", "offline"))
		e.publish(StateOffline, "")
		e.log.Info("sync skipped: offline")
		return Result{Skipped: true, Reason: "offline"}, nil
	}

	e.publish(StateSyncing, "")

	res, err := e.attempt(ctx)
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		e.publish(StateFailed, err.Error())
		return res, err
	}

	e.cntAccepted.Add(ctx, int64(res.Accepted))
	e.cntPulled.Add(ctx, int64(res.Pulled))
	e.cntConflicts.Add(ctx, int64(res.Conflicts))
	span.SetAttributes(
		attribute.Int("sync.accepted", res.Accepted),
		attribute.Int("sync.pulled", res.Pulled),
		attribute.Int("sync.conflicts", res.Conflicts),
		attribute.Int("sync.stale_acks", res.StaleAcks),
	)

	state := StateIdle
	if e.conflicts.Len() > 0 {
		state = StateConflictsPending
	}
	e.publishSynced(state, e.now())
	return res, nil
}

// attempt runs the collect → exchange → reconcile sequence.
func (e *Engine) attempt(ctx context.Context) (Result, error) {
	var res Result

	cursor, err := e.store.LoadCursor(ctx)
	if err != nil {
		return res, fmt.Errorf("loading cursor: %w", err)
	}

	dirty, err := e.store.ListDirty(ctx)
	if err != nil {
		return res, fmt.Errorf("collecting dirty batch: %w", err)
	}

	// Snapshot the outgoing versions at collection time. All reconciliation
	// decisions in this attempt use this snapshot, so a local edit landing
	// mid-exchange can never mask a real conflict or be wiped by its ack.
	sentVersions := make(map[string]int64, len(dirty))
	for _, ev := range dirty {
		sentVersions[ev.ID] = ev.Version
	}

	e.log.Debug("exchanging with authority",
		"outgoing", len(dirty), "cursor", cursor.LastSyncedVersion)

	resp, err := e.authority.Sync(ctx, authority.SyncRequest{
		Events:          dirty,
		LastSyncVersion: cursor.LastSyncedVersion,
	})
	if err != nil {
		return res, fmt.Errorf("exchange failed: %w", err)
	}

	var changed []*model.Event

	for _, ack := range resp.Processed {
		applied, ackErr := e.store.MarkClean(ctx, ack.LocalID, ack.ServerID, sentVersions[ack.LocalID])
		if ackErr != nil {
			return res, fmt.Errorf("acknowledging %s: %w", ack.LocalID, ackErr)
		}
		if !applied {
			// The record changed between collection and ack; it stays
			// dirty and goes out again next attempt.
			res.StaleAcks++
			e.log.Debug("stale ack rejected", "id", ack.LocalID)
			continue
		}
		res.Accepted++
	}

	for _, incoming := range resp.ServerChanges {
		applied, pullErr := e.applyServerChange(ctx, incoming)
		if pullErr != nil {
			return res, fmt.Errorf("applying server change %s: %w", incoming.ID, pullErr)
		}
		if applied {
			res.Pulled++
			changed = append(changed, incoming)
		}
	}

	for _, c := range resp.Conflicts {
		// The local dirty flag stays set; the record is pending until
		// resolved.
		e.conflicts.Push(Conflict{Local: c.Client, Remote: c.Server})
		res.Conflicts++
	}

	// The cursor advances only here, after the whole reply reconciled.
	cursor.LastSyncedVersion = resp.LastSyncVersion
	cursor.LastSyncAt = e.now()
	if err := e.store.SaveCursor(ctx, cursor); err != nil {
		return res, fmt.Errorf("advancing cursor: %w", err)
	}

	for _, ev := range changed {
		if err := e.resched.RescheduleFor(ctx, ev); err != nil {
			e.log.Error("reminder reschedule after pull failed", "id", ev.ID, "error", err)
		}
	}

	e.log.Info("sync finished",
		"accepted", res.Accepted, "pulled", res.Pulled,
		"conflicts", res.Conflicts, "stale_acks", res.StaleAcks)
	return res, nil
}

// applyServerChange applies one pulled record, honoring the never-regress
// rule: an existing local record is only overwritten by a strictly newer
// version.
func (e *Engine) applyServerChange(ctx context.Context, incoming *model.Event) (bool, error) {
	local, err := e.store.Get(ctx, incoming.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// New on the authority's side; insert clean.
	case err != nil:
		return false, err
	case incoming.Version <= local.Version:
		e.log.Debug("ignoring non-newer server change",
			"id", incoming.ID, "incoming", incoming.Version, "local", local.Version)
		return false, nil
	}

	if err := e.store.ApplyAuthorityVersion(ctx, incoming); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveConflict settles one queued conflict. keepLocal re-pushes the
// local version through the authority's forced update and marks it clean;
// otherwise the authority's copy is applied, which also clears dirty.
// Either way the event's reminders are recomputed since content may have
// changed.
func (e *Engine) ResolveConflict(ctx context.Context, localID string, keepLocal bool) error {
	c, ok := e.conflicts.Take(localID)
	if !ok {
		return fmt.Errorf("no pending conflict for %s", localID)
	}

	if keepLocal {
		local, err := e.store.Get(ctx, localID)
		if err != nil {
			return fmt.Errorf("resolving conflict for %s: %w", localID, err)
		}
		local.RemoteID = c.Remote.RemoteID
		if err := e.authority.ForceUpdate(ctx, local); err != nil {
			// Keep the conflict queued; the user can retry.
			e.conflicts.Push(c)
			return fmt.Errorf("resolving conflict for %s: %w", localID, err)
		}
		if _, err := e.store.MarkClean(ctx, localID, c.Remote.RemoteID, local.Version); err != nil {
			return fmt.Errorf("resolving conflict for %s: %w", localID, err)
		}
	} else {
		if err := e.store.ApplyAuthorityVersion(ctx, c.Remote); err != nil {
			return fmt.Errorf("resolving conflict for %s: %w", localID, err)
		}
	}

	resolved, err := e.store.Get(ctx, localID)
	if err != nil {
		return fmt.Errorf("resolving conflict for %s: %w", localID, err)
	}
	if err := e.resched.RescheduleFor(ctx, resolved); err != nil {
		e.log.Error("reminder reschedule after resolution failed", "id", localID, "error", err)
	}

	if e.conflicts.Len() == 0 {
		e.publish(StateIdle, "")
	}
	return nil
}

// publish emits a status snapshot. LastSyncAt carries over from the
// previous snapshot; only a finished exchange restamps it, via
// [Engine.publishSynced].
func (e *Engine) publish(state State, errMsg string) {
	s := e.status.latest()
	s.State = state
	s.IsSyncing = state == StateSyncing
	s.LastError = errMsg
	s.Conflicts = e.conflicts.Len()
	e.status.publish(s)
}

// publishSynced emits a status snapshot marking a successful exchange at
// the given time.
func (e *Engine) publishSynced(state State, at time.Time) {
	s := e.status.latest()
	s.State = state
	s.IsSyncing = false
	s.LastError = ""
	s.LastSyncAt = at
	s.Conflicts = e.conflicts.Len()
	e.status.publish(s)
}
