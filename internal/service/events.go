// Package service is the application surface over the record store: event
// CRUD with local identity assignment, reminder rescheduling on every
// mutation, and occurrence-ordered listings.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tdnguyen/datekeeper/internal/model"
	"github.com/tdnguyen/datekeeper/internal/store"
)

// EventStore is the subset of [store.Store] the service mutates.
type EventStore interface {
	Create(ctx context.Context, ev *model.Event) error
	Update(ctx context.Context, id string, upd model.EventUpdate) (*model.Event, error)
	SoftDelete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Event, error)
	ListActive(ctx context.Context) ([]*model.Event, error)
	Search(ctx context.Context, q string) ([]*model.Event, error)
}

// Scheduler is the reminder collaborator. Implemented by
// [reminder.Scheduler].
type Scheduler interface {
	RescheduleFor(ctx context.Context, ev *model.Event) error
	CancelFor(ctx context.Context, eventID string) error
}

// Calculator orders listings by upcoming occurrence. Implemented by
// [recur.Calculator].
type Calculator interface {
	NextOccurrence(ev *model.Event, ref time.Time) (time.Time, error)
}

// Events provides the event operations exposed to the application.
type Events struct {
	store    EventStore
	sched    Scheduler
	calc     Calculator
	defaults model.ReminderSettings
	log      *slog.Logger
	newID    func() string
	now      func() time.Time
}

// NewEvents creates the event service. defaults fills in the reminder
// settings of events added without their own.
func NewEvents(st EventStore, sched Scheduler, calc Calculator, defaults model.ReminderSettings, logger *slog.Logger) *Events {
	return &Events{
		store:    st,
		sched:    sched,
		calc:     calc,
		defaults: defaults,
		log:      logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// AddEvent validates and persists a new event, assigns its local identity,
// and schedules its reminders. A reminder scheduling failure does not fail
// the add; the event is persisted either way and the resweep will retry.
func (s *Events) AddEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if strings.TrimSpace(ev.Title) == "" {
		return nil, fmt.Errorf("add event: title must not be empty")
	}
	if ev.Calendar != model.CalendarSolar && ev.Calendar != model.CalendarLunar {
		return nil, fmt.Errorf("add event: unknown calendar %q", ev.Calendar)
	}
	if err := ev.Recurrence.Validate(); err != nil {
		return nil, fmt.Errorf("add event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	s.applyReminderDefaults(ev)

	if err := s.store.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("add event: %w", err)
	}

	if err := s.sched.RescheduleFor(ctx, ev); err != nil {
		s.log.Error("scheduling reminders for new event failed", "id", ev.ID, "error", err)
	}
	return ev, nil
}

// applyReminderDefaults fills in the configured reminder defaults on an
// event that carries none of its own.
func (s *Events) applyReminderDefaults(ev *model.Event) {
	if len(ev.Reminders.DaysBefore) == 0 {
		ev.Reminders.DaysBefore = append([]int(nil), s.defaults.DaysBefore...)
	}
	if ev.Reminders.TimeOfDay == nil && s.defaults.TimeOfDay != nil {
		tod := *s.defaults.TimeOfDay
		ev.Reminders.TimeOfDay = &tod
	}
}

// UpdateEvent applies a partial update and reschedules reminders.
func (s *Events) UpdateEvent(ctx context.Context, id string, upd model.EventUpdate) (*model.Event, error) {
	if upd.Recurrence != nil {
		if err := upd.Recurrence.Validate(); err != nil {
			return nil, fmt.Errorf("update event %s: %w", id, err)
		}
	}

	ev, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}

	if err := s.sched.RescheduleFor(ctx, ev); err != nil {
		s.log.Error("rescheduling reminders failed", "id", id, "error", err)
	}
	return ev, nil
}

// DeleteEvent tombstones the event and cancels its reminders. The record
// keeps syncing until the authority acknowledges the deletion.
func (s *Events) DeleteEvent(ctx context.Context, id string) error {
	if err := s.store.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if err := s.sched.CancelFor(ctx, id); err != nil {
		s.log.Error("cancelling reminders failed", "id", id, "error", err)
	}
	return nil
}

// GetEvent returns one event. Tombstoned events are not visible here.
func (s *Events) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if ev.Deleted {
		return nil, fmt.Errorf("get event %s: %w", id, store.ErrNotFound)
	}
	return ev, nil
}

// ListEvents returns all active events ordered by their next occurrence,
// soonest first. Events whose occurrence cannot be computed sort last.
func (s *Events) ListEvents(ctx context.Context) ([]*model.Event, error) {
	events, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	ref := s.now()
	occ := make(map[string]time.Time, len(events))
	for _, ev := range events {
		next, occErr := s.calc.NextOccurrence(ev, ref)
		if occErr != nil {
			s.log.Warn("next occurrence failed, sorting last", "id", ev.ID, "error", occErr)
			continue
		}
		occ[ev.ID] = next
	}

	sort.SliceStable(events, func(i, j int) bool {
		ti, iOK := occ[events[i].ID]
		tj, jOK := occ[events[j].ID]
		if iOK != jOK {
			return iOK
		}
		return ti.Before(tj)
	})
	return events, nil
}

// SearchEvents returns active events whose title contains q.
func (s *Events) SearchEvents(ctx context.Context, q string) ([]*model.Event, error) {
	events, err := s.store.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return events, nil
}
