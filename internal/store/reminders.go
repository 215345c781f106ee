package store

import (
	"context"
	"fmt"
	"time"
)

// ScheduledReminder maps one (event, days-before offset) pair to the
// opaque platform handle it was scheduled under, so the reminder can later
// be cancelled or audited. Rows are replaced wholesale, never patched.
type ScheduledReminder struct {
	ID         int64
	EventID    string
	DaysBefore int
	Handle     string
	FireAt     time.Time
}

// RemindersForEvent returns the scheduled-reminder rows for an event.
func (s *Store) RemindersForEvent(ctx context.Context, eventID string) ([]ScheduledReminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, days_before, handle, fire_at
		FROM scheduled_reminders WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying reminders for %q: %w", eventID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScheduledReminder
	for rows.Next() {
		var r ScheduledReminder
		var fireAt string
		if err := rows.Scan(&r.ID, &r.EventID, &r.DaysBefore, &r.Handle, &fireAt); err != nil {
			return nil, fmt.Errorf("scanning reminder row: %w", err)
		}
		if r.FireAt, err = parseTime(fireAt); err != nil {
			return nil, fmt.Errorf("parsing reminder fire_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertReminder persists one scheduled-reminder row and sets its ID.
func (s *Store) InsertReminder(ctx context.Context, r *ScheduledReminder) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_reminders (event_id, days_before, handle, fire_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.EventID, r.DaysBefore, r.Handle, formatTime(r.FireAt), formatTime(s.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("inserting reminder for %q: %w", r.EventID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// DeleteRemindersForEvent removes all scheduled-reminder rows for an event.
func (s *Store) DeleteRemindersForEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_reminders WHERE event_id = ?`, eventID,
	); err != nil {
		return fmt.Errorf("deleting reminders for %q: %w", eventID, err)
	}
	return nil
}

// DeleteAllReminders removes every scheduled-reminder row. Used together
// with the platform's cancel-all during a global reschedule.
func (s *Store) DeleteAllReminders(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_reminders`); err != nil {
		return fmt.Errorf("deleting all reminders: %w", err)
	}
	return nil
}
