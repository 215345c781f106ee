// Package store manages the SQLite database holding versioned event
// records, the sync cursor, and the scheduled-reminder side table.
//
// The version/dirty invariants live here, at the write boundary: every
// mutation stamps a strictly increasing version and raises the dirty flag,
// so callers cannot produce a record the sync engine would miss. Only this
// package may open or query the database; all other packages receive a
// [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tdnguyen/datekeeper/internal/model"
)

// ErrNotFound is returned when an operation references an identity that
// does not exist, or that is tombstoned where a live record is required.
var ErrNotFound = errors.New("event not found")

// ErrExists is returned by Create when the identity is already present.
var ErrExists = errors.New("event already exists")

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT    PRIMARY KEY,
    remote_id   TEXT    NOT NULL DEFAULT '',
    title       TEXT    NOT NULL,
    calendar    TEXT    NOT NULL DEFAULT 'solar',
    event_date  TEXT    NOT NULL,
    recurrence  TEXT    NOT NULL DEFAULT '',
    reminders   TEXT    NOT NULL DEFAULT '',
    deleted     INTEGER NOT NULL DEFAULT 0,
    version     INTEGER NOT NULL,
    dirty       INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT    NOT NULL,
    updated_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_dirty   ON events (dirty);
CREATE INDEX IF NOT EXISTS idx_events_deleted ON events (deleted);
CREATE INDEX IF NOT EXISTS idx_events_date    ON events (event_date);

CREATE TABLE IF NOT EXISTS sync_meta (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_reminders (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL,
    days_before INTEGER NOT NULL,
    handle      TEXT    NOT NULL,
    fire_at     TEXT    NOT NULL,
    created_at  TEXT    NOT NULL,
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reminders_event ON scheduled_reminders (event_id);
`

// Store is the SQLite-backed event repository.
type Store struct {
	db *sql.DB

	// now supplies version stamps; overridable in tests for determinism.
	now func() time.Time
}

// DefaultDBPath returns the default path for the event database:
// ~/.local/share/datekeeper/events.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "datekeeper", "events.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nextVersion returns the version stamp for a mutation: the current clock
// in milliseconds, forced past prev so versions per identity strictly
// increase even when the clock is coarse or stepped backwards.
func (s *Store) nextVersion(prev int64) int64 {
	v := s.now().UTC().UnixMilli()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// Create persists a new event with version = now and dirty = true.
// It returns [ErrExists] if the identity is already present.
func (s *Store) Create(ctx context.Context, ev *model.Event) error {
	now := s.now().UTC()
	ev.Version = s.nextVersion(0)
	ev.Dirty = true
	ev.CreatedAt = now
	ev.UpdatedAt = now

	if err := s.insert(ctx, ev); err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("creating event %q: %w", ev.ID, ErrExists)
		}
		return fmt.Errorf("creating event %q: %w", ev.ID, err)
	}
	return nil
}

// Update loads the live record, merges the partial update, bumps the
// version, and persists. Tombstoned or absent identities yield ErrNotFound.
func (s *Store) Update(ctx context.Context, id string, upd model.EventUpdate) (*model.Event, error) {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Deleted {
		return nil, fmt.Errorf("updating event %q: %w", id, ErrNotFound)
	}

	upd.Apply(ev)
	ev.Version = s.nextVersion(ev.Version)
	ev.Dirty = true
	ev.UpdatedAt = s.now().UTC()

	if err := s.replace(ctx, ev); err != nil {
		return nil, fmt.Errorf("updating event %q: %w", id, err)
	}
	return ev, nil
}

// SoftDelete tombstones the event. The row stays in place, marked dirty,
// until the authority acknowledges the deletion.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	ev.Deleted = true
	ev.Version = s.nextVersion(ev.Version)
	ev.Dirty = true
	ev.UpdatedAt = s.now().UTC()

	if err := s.replace(ctx, ev); err != nil {
		return fmt.Errorf("deleting event %q: %w", id, err)
	}
	return nil
}

// Get returns the record for id regardless of tombstone state, or
// ErrNotFound when no row exists.
func (s *Store) Get(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	return ev, nil
}

// ListActive returns all non-tombstoned events ordered by anchor date
// ascending. Callers wanting next-occurrence order sort via the
// recurrence calculator.
func (s *Store) ListActive(ctx context.Context) ([]*model.Event, error) {
	return s.list(ctx, selectEvent+` WHERE deleted = 0 ORDER BY event_date ASC`)
}

// ListDirty returns all records awaiting sync, tombstoned or not, in
// mutation order. This is the sync engine's outgoing batch.
func (s *Store) ListDirty(ctx context.Context) ([]*model.Event, error) {
	return s.list(ctx, selectEvent+` WHERE dirty = 1 ORDER BY updated_at ASC`)
}

// Search returns non-tombstoned events whose title contains q.
func (s *Store) Search(ctx context.Context, q string) ([]*model.Event, error) {
	return s.list(ctx,
		selectEvent+` WHERE deleted = 0 AND title LIKE ? ORDER BY event_date ASC`,
		"%"+q+"%",
	)
}

// DirtyCount returns the number of records awaiting sync.
func (s *Store) DirtyCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE dirty = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting dirty events: %w", err)
	}
	return n, nil
}

// MarkClean clears the dirty flag and stores the authority-assigned remote
// identifier, but only if the record still sits at ackedVersion. A record
// mutated after collection keeps its dirty flag (stale-ack guard). The
// returned bool reports whether the ack was applied.
func (s *Store) MarkClean(ctx context.Context, id, remoteID string, ackedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET dirty = 0, remote_id = ? WHERE id = ? AND version = ?`,
		remoteID, id, ackedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("marking event %q clean: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking event %q clean: %w", id, err)
	}
	return n > 0, nil
}

// ApplyAuthorityVersion unconditionally overwrites the local record with
// the authority's copy and clears dirty. Used when pulling server changes
// and when a conflict resolution keeps the remote side.
func (s *Store) ApplyAuthorityVersion(ctx context.Context, ev *model.Event) error {
	cp := ev.Clone()
	cp.Dirty = false
	if err := s.replace(ctx, cp); err != nil {
		return fmt.Errorf("applying authority version of %q: %w", ev.ID, err)
	}
	return nil
}

// Clear removes every row from every table. Administrative/test use only;
// normal sync flow never hard-deletes.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM scheduled_reminders`,
		`DELETE FROM events`,
		`DELETE FROM sync_meta`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing store: %w", err)
		}
	}
	return nil
}

// --- row plumbing ------------------------------------------------------------

const selectEvent = `
	SELECT id, remote_id, title, calendar, event_date, recurrence,
	       reminders, deleted, version, dirty, created_at, updated_at
	FROM events`

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) insert(ctx context.Context, ev *model.Event) error {
	return s.write(ctx, `
		INSERT INTO events
		    (id, remote_id, title, calendar, event_date, recurrence,
		     reminders, deleted, version, dirty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ev)
}

func (s *Store) replace(ctx context.Context, ev *model.Event) error {
	return s.write(ctx, `
		INSERT OR REPLACE INTO events
		    (id, remote_id, title, calendar, event_date, recurrence,
		     reminders, deleted, version, dirty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ev)
}

func (s *Store) write(ctx context.Context, query string, ev *model.Event) error {
	recurrence, err := model.MarshalRecurrence(ev.Recurrence)
	if err != nil {
		return err
	}
	reminders, err := model.MarshalReminders(ev.Reminders)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.RemoteID,
		ev.Title,
		string(ev.Calendar),
		formatTime(ev.Date),
		recurrence,
		reminders,
		boolToInt(ev.Deleted),
		ev.Version,
		boolToInt(ev.Dirty),
		formatTime(ev.CreatedAt),
		formatTime(ev.UpdatedAt),
	)
	return err
}

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*model.Event, error) {
	var ev model.Event
	var calendar, eventDate, recurrence, reminders, createdAt, updatedAt string
	var deleted, dirty int

	err := sc.Scan(
		&ev.ID,
		&ev.RemoteID,
		&ev.Title,
		&calendar,
		&eventDate,
		&recurrence,
		&reminders,
		&deleted,
		&ev.Version,
		&dirty,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Calendar = model.Calendar(calendar)
	ev.Deleted = deleted != 0
	ev.Dirty = dirty != 0
	if ev.Date, err = parseTime(eventDate); err != nil {
		return nil, fmt.Errorf("parsing event date: %w", err)
	}
	if ev.Recurrence, err = model.UnmarshalRecurrence(recurrence); err != nil {
		return nil, err
	}
	if ev.Reminders, err = model.UnmarshalReminders(reminders); err != nil {
		return nil, err
	}
	ev.CreatedAt, _ = parseTime(createdAt)
	ev.UpdatedAt, _ = parseTime(updatedAt)

	return &ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
