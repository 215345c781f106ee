// Package model defines the shared domain types used across the store,
// sync engine, and reminder scheduler.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Calendar selects how an event's recurrence rule is interpreted.
type Calendar string

const (
	// CalendarSolar interprets the rule against the Gregorian calendar.
	CalendarSolar Calendar = "solar"
	// CalendarLunar interprets the rule's day/month as a lunisolar date
	// that must be converted to Gregorian before scheduling.
	CalendarLunar Calendar = "lunar"
)

// RecurrenceType is the discriminator of the [Recurrence] variant.
type RecurrenceType string

const (
	RecurOnce    RecurrenceType = "once"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurYearly  RecurrenceType = "yearly"
)

// Recurrence is a tagged variant describing when an event repeats.
// Only the fields belonging to Type are meaningful:
//
//	once    : none (the event's stored date is used as-is)
//	weekly  : DayOfWeek
//	monthly : DayOfMonth
//	yearly  : Month + Day
//
// It is serialized as JSON only at the storage and wire boundaries.
type Recurrence struct {
	Type       RecurrenceType `json:"type"`
	DayOfWeek  time.Weekday   `json:"dayOfWeek,omitempty"`
	DayOfMonth int            `json:"dayOfMonth,omitempty"`
	Month      time.Month     `json:"month,omitempty"`
	Day        int            `json:"day,omitempty"`
}

// Validate checks that the fields required by the rule's type are in range.
func (r Recurrence) Validate() error {
	switch r.Type {
	case RecurOnce:
		return nil
	case RecurWeekly:
		if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
			return fmt.Errorf("weekly rule: dayOfWeek %d out of range", r.DayOfWeek)
		}
	case RecurMonthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("monthly rule: dayOfMonth %d out of range", r.DayOfMonth)
		}
	case RecurYearly:
		if r.Month < time.January || r.Month > time.December {
			return fmt.Errorf("yearly rule: month %d out of range", r.Month)
		}
		if r.Day < 1 || r.Day > 31 {
			return fmt.Errorf("yearly rule: day %d out of range", r.Day)
		}
	default:
		return fmt.Errorf("unknown recurrence type %q", r.Type)
	}
	return nil
}

// TimeOfDay is a wall-clock time without a date, used for reminder delivery.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ReminderSettings describes when reminders fire relative to an occurrence.
type ReminderSettings struct {
	// DaysBefore lists the offsets, in days before the occurrence, at which
	// a reminder is delivered. 0 means the day of the event.
	DaysBefore []int `json:"remindDaysBefore"`

	// TimeOfDay is the delivery time overlaid on each reminder date.
	// Nil means the default of 09:00 local.
	TimeOfDay *TimeOfDay `json:"reminderTime,omitempty"`
}

// DefaultReminderHour is the delivery hour used when no TimeOfDay is set.
const DefaultReminderHour = 9

// At returns the effective delivery hour and minute.
func (s ReminderSettings) At() (hour, minute int) {
	if s.TimeOfDay != nil {
		return s.TimeOfDay.Hour, s.TimeOfDay.Minute
	}
	return DefaultReminderHour, 0
}

// Event is the synchronized entity: a recurring personal date with its
// reminder configuration and sync metadata.
type Event struct {
	// ID is the locally generated identifier, immutable after creation.
	ID string

	// RemoteID is assigned by the authority once it accepts the record.
	// Empty until the first successful sync of this event.
	RemoteID string

	Title      string
	Calendar   Calendar
	Date       time.Time // anchor date; the stored date for once events
	Recurrence Recurrence
	Reminders  ReminderSettings

	// Deleted is the tombstone flag. A tombstoned event still syncs until
	// the authority acknowledges the deletion; it is never removed by sync.
	Deleted bool

	// Version is a client-side millisecond timestamp assigned at every
	// mutation. It increases strictly per identity and doubles as the
	// last-write-wins tiebreaker.
	Version int64

	// Dirty is true until the authority acknowledges exactly this Version.
	Dirty bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the event repeats.
func (e *Event) Recurring() bool {
	return e.Recurrence.Type != RecurOnce
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Reminders.DaysBefore != nil {
		cp.Reminders.DaysBefore = append([]int(nil), e.Reminders.DaysBefore...)
	}
	if e.Reminders.TimeOfDay != nil {
		tod := *e.Reminders.TimeOfDay
		cp.Reminders.TimeOfDay = &tod
	}
	return &cp
}

// EventUpdate holds the fields of an event a caller wants to change.
// Nil pointers leave the corresponding field untouched.
type EventUpdate struct {
	Title      *string
	Calendar   *Calendar
	Date       *time.Time
	Recurrence *Recurrence
	Reminders  *ReminderSettings
}

// Apply merges the update into ev. Sync metadata is never touched here;
// that is the store's job.
func (u EventUpdate) Apply(ev *Event) {
	if u.Title != nil {
		ev.Title = *u.Title
	}
	if u.Calendar != nil {
		ev.Calendar = *u.Calendar
	}
	if u.Date != nil {
		ev.Date = *u.Date
	}
	if u.Recurrence != nil {
		ev.Recurrence = *u.Recurrence
	}
	if u.Reminders != nil {
		ev.Reminders = *u.Reminders
	}
}

// --- storage-boundary serialization ------------------------------------------

// MarshalRecurrence encodes a rule for a TEXT column.
func MarshalRecurrence(r Recurrence) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding recurrence: %w", err)
	}
	return string(b), nil
}

// UnmarshalRecurrence decodes a rule from a TEXT column. An empty string
// yields a once rule, matching rows written before rules existed.
func UnmarshalRecurrence(s string) (Recurrence, error) {
	if s == "" {
		return Recurrence{Type: RecurOnce}, nil
	}
	var r Recurrence
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Recurrence{}, fmt.Errorf("decoding recurrence: %w", err)
	}
	return r, nil
}

// MarshalReminders encodes reminder settings for a TEXT column.
func MarshalReminders(s ReminderSettings) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding reminder settings: %w", err)
	}
	return string(b), nil
}

// UnmarshalReminders decodes reminder settings from a TEXT column.
func UnmarshalReminders(s string) (ReminderSettings, error) {
	if s == "" {
		return ReminderSettings{}, nil
	}
	var rs ReminderSettings
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return ReminderSettings{}, fmt.Errorf("decoding reminder settings: %w", err)
	}
	return rs, nil
}
