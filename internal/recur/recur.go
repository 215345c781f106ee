// Package recur computes occurrence dates and reminder timestamps for
// events. It is pure computation: given the same event and reference time
// it always produces identical output, which the reminder scheduler's
// replace-don't-patch strategy relies on.
package recur

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tdnguyen/datekeeper/internal/calendar"
	"github.com/tdnguyen/datekeeper/internal/model"
)

// Converter is the lunisolar conversion collaborator.
// Implemented by [calendar.Converter].
type Converter interface {
	SolarToLunar(year, month, day int) calendar.LunarDate
	LunarToSolar(d calendar.LunarDate) (year, month, day int, err error)
}

// Calculator computes next occurrences and reminder times.
type Calculator struct {
	conv Converter
	loc  *time.Location
}

// New creates a Calculator. A nil loc means time.Local.
func New(conv Converter, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	return &Calculator{conv: conv, loc: loc}
}

// ReminderTime is one concrete reminder instant for an event, paired with
// the days-before offset that produced it.
type ReminderTime struct {
	DaysBefore int
	At         time.Time
}

// NextOccurrence returns the first occurrence of the event on or after ref,
// at midnight in the calculator's location. Once events return their stored
// date unchanged regardless of ref.
func (c *Calculator) NextOccurrence(ev *model.Event, ref time.Time) (time.Time, error) {
	refDay := c.dateOnly(ref)
	rule := ev.Recurrence

	switch rule.Type {
	case model.RecurOnce:
		return c.dateOnly(ev.Date), nil

	case model.RecurWeekly:
		// Day-of-week is identical in both calendars, so lunar events need
		// no conversion here.
		return c.nextWeekly(rule.DayOfWeek, refDay)

	case model.RecurMonthly:
		if ev.Calendar == model.CalendarLunar {
			return c.nextLunarMonthly(rule.DayOfMonth, refDay)
		}
		return c.nextMonthly(rule.DayOfMonth, refDay), nil

	case model.RecurYearly:
		if ev.Calendar == model.CalendarLunar {
			return c.nextLunarYearly(rule.Month, rule.Day, refDay)
		}
		return c.nextYearly(rule.Month, rule.Day, refDay), nil
	}

	return time.Time{}, fmt.Errorf("unknown recurrence type %q", rule.Type)
}

// ReminderTimes returns the absolute reminder instants for the event's
// next occurrence, sorted ascending. Offsets whose instant is before ref
// are excluded; reminders are never scheduled into the past.
func (c *Calculator) ReminderTimes(ev *model.Event, ref time.Time) ([]ReminderTime, error) {
	occ, err := c.NextOccurrence(ev, ref)
	if err != nil {
		return nil, err
	}

	hour, minute := ev.Reminders.At()

	var out []ReminderTime
	for _, days := range ev.Reminders.DaysBefore {
		day := occ.AddDate(0, 0, -days)
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, c.loc)
		if at.Before(ref) {
			continue
		}
		out = append(out, ReminderTime{DaysBefore: days, At: at})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// --- per-rule computation ----------------------------------------------------

func (c *Calculator) nextWeekly(dow time.Weekday, refDay time.Time) (time.Time, error) {
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: []rrule.Weekday{rruleWeekday(dow)},
		Dtstart:   refDay,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("building weekly rule: %w", err)
	}
	next := r.After(refDay, true)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("weekly rule produced no occurrence after %s", refDay)
	}
	return next, nil
}

func (c *Calculator) nextMonthly(dayOfMonth int, refDay time.Time) time.Time {
	y, m := refDay.Year(), refDay.Month()
	cand := c.makeDate(y, m, dayOfMonth)
	if cand.Before(refDay) {
		m++
		if m > time.December {
			m = time.January
			y++
		}
		cand = c.makeDate(y, m, dayOfMonth)
	}
	return cand
}

func (c *Calculator) nextYearly(month time.Month, day int, refDay time.Time) time.Time {
	y := refDay.Year()
	cand := c.makeDate(y, month, day)
	if cand.Before(refDay) {
		cand = c.makeDate(y+1, month, day)
	}
	return cand
}

// nextLunarYearly converts the rule's lunar month/day into the smallest
// future solar date. Years where the conversion fails are skipped: a day-30
// anniversary only occurs in years where its lunar month runs 30 days.
func (c *Calculator) nextLunarYearly(month time.Month, day int, refDay time.Time) (time.Time, error) {
	lunarYear := c.conv.SolarToLunar(refDay.Year(), int(refDay.Month()), refDay.Day()).Year

	for i := 0; i < 5; i++ {
		y, m, d, err := c.conv.LunarToSolar(calendar.LunarDate{
			Day:   day,
			Month: int(month),
			Year:  lunarYear + i,
		})
		if err != nil {
			continue
		}
		cand := time.Date(y, time.Month(m), d, 0, 0, 0, 0, c.loc)
		if !cand.Before(refDay) {
			return cand, nil
		}
	}
	return time.Time{}, fmt.Errorf("no future occurrence for lunar %d/%d near %s", day, month, refDay)
}

// nextLunarMonthly finds the next regular lunar month containing the
// rule's lunar day-of-month. Leap months are skipped; a day past the end
// of a short lunar month rolls into the following one.
func (c *Calculator) nextLunarMonthly(dayOfMonth int, refDay time.Time) (time.Time, error) {
	ld := c.conv.SolarToLunar(refDay.Year(), int(refDay.Month()), refDay.Day())
	month, year := ld.Month, ld.Year

	for i := 0; i < 13; i++ {
		y, m, d, err := c.conv.LunarToSolar(calendar.LunarDate{Day: dayOfMonth, Month: month, Year: year})
		if err == nil {
			cand := time.Date(y, time.Month(m), d, 0, 0, 0, 0, c.loc)
			if !cand.Before(refDay) {
				return cand, nil
			}
		}
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return time.Time{}, fmt.Errorf("no future lunar occurrence for day %d near %s", dayOfMonth, refDay)
}

// --- helpers -----------------------------------------------------------------

func (c *Calculator) dateOnly(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// makeDate builds a date with the day clamped to the target month's length,
// so a day-31 rule lands on the last day of shorter months.
func (c *Calculator) makeDate(year int, month time.Month, day int) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, c.loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

func rruleWeekday(d time.Weekday) rrule.Weekday {
	return rruleWeekdays[d]
}
