package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/recur"
	"github.com/tdnguyen/datekeeper/internal/store"
)

// ReminderStore is the subset of [store.Store] the scheduler persists its
// platform handles through. Defining it as an interface allows mock
// injection in tests.
type ReminderStore interface {
	RemindersForEvent(ctx context.Context, eventID string) ([]store.ScheduledReminder, error)
	InsertReminder(ctx context.Context, r *store.ScheduledReminder) error
	DeleteRemindersForEvent(ctx context.Context, eventID string) error
	DeleteAllReminders(ctx context.Context) error
}

// Calculator is the subset of [recur.Calculator] the scheduler computes
// reminder instants with.
type Calculator interface {
	NextOccurrence(ev *model.Event, ref time.Time) (time.Time, error)
	ReminderTimes(ev *model.Event, ref time.Time) ([]recur.ReminderTime, error)
}

// Scheduler owns the bridge from events to platform notifications. Every
// reschedule is a full replacement: cancel everything the event had, then
// schedule the freshly computed set. Incremental diffing is never attempted
// because offsets and time-of-day may have changed arbitrarily.
type Scheduler struct {
	store    ReminderStore
	calc     Calculator
	platform Platform
	log      *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(st ReminderStore, calc Calculator, platform Platform, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		calc:     calc,
		platform: platform,
		log:      logger,
		now:      time.Now,
	}
}

// RescheduleFor replaces the event's scheduled notifications with a freshly
// computed set. A platform failure on one offset is logged and skipped;
// missing one reminder is less harmful than missing all of them. Tombstoned
// events only get their existing notifications cancelled.
func (s *Scheduler) RescheduleFor(ctx context.Context, ev *model.Event) error {
	if err := s.CancelFor(ctx, ev.ID); err != nil {
		return err
	}
	if ev.Deleted {
		return nil
	}

	ref := s.now()
	occ, err := s.calc.NextOccurrence(ev, ref)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", ev.ID, err)
	}
	times, err := s.calc.ReminderTimes(ev, ref)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", ev.ID, err)
	}

	for _, rt := range times {
		trigger := Trigger{Kind: TriggerAbsolute, At: rt.At}
		// Yearly rules repeat on the platform itself so reminders survive
		// long stretches without this process running. Other recurring
		// rules are absolute and refreshed by the periodic resweep.
		if ev.Recurrence.Type == model.RecurYearly {
			trigger.Kind = TriggerYearly
		}

		handle, schedErr := s.platform.Schedule(ctx, trigger, buildPayload(ev, rt.DaysBefore, occ))
		if schedErr != nil {
			s.log.Warn("platform scheduling failed, skipping offset",
				"event_id", ev.ID, "days_before", rt.DaysBefore, "error", schedErr)
			continue
		}

		row := &store.ScheduledReminder{
			EventID:    ev.ID,
			DaysBefore: rt.DaysBefore,
			Handle:     handle,
			FireAt:     rt.At,
		}
		if err := s.store.InsertReminder(ctx, row); err != nil {
			return fmt.Errorf("persist reminder handle for %s: %w", ev.ID, err)
		}
	}
	return nil
}

// RescheduleAll reschedules every given non-tombstoned event. Per-event
// failures are logged and do not stop the batch.
func (s *Scheduler) RescheduleAll(ctx context.Context, events []*model.Event) {
	for _, ev := range events {
		if ev.Deleted {
			continue
		}
		if err := s.RescheduleFor(ctx, ev); err != nil {
			s.log.Error("reschedule failed", "event_id", ev.ID, "error", err)
		}
	}
}

// CancelFor revokes the event's scheduled notifications and deletes their
// persisted handles.
func (s *Scheduler) CancelFor(ctx context.Context, eventID string) error {
	existing, err := s.store.RemindersForEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("cancel reminders for %s: %w", eventID, err)
	}
	for _, r := range existing {
		if err := s.platform.Cancel(ctx, r.Handle); err != nil {
			// A handle the platform no longer knows is already cancelled.
			s.log.Debug("platform cancel failed", "handle", r.Handle, "error", err)
		}
	}
	if err := s.store.DeleteRemindersForEvent(ctx, eventID); err != nil {
		return fmt.Errorf("cancel reminders for %s: %w", eventID, err)
	}
	return nil
}

// CancelAll revokes every scheduled notification and clears the handle
// table.
func (s *Scheduler) CancelAll(ctx context.Context) error {
	if err := s.platform.CancelAll(ctx); err != nil {
		return fmt.Errorf("cancel all notifications: %w", err)
	}
	if err := s.store.DeleteAllReminders(ctx); err != nil {
		return fmt.Errorf("clear reminder handles: %w", err)
	}
	return nil
}
