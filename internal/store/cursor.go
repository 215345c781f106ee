package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const (
	metaLastSyncedVersion = "last_synced_version"
	metaLastSyncAt        = "last_sync_at"
)

// Cursor is the process-wide sync high-water mark: the last version number
// the authority acknowledged and when the last successful exchange ran.
type Cursor struct {
	LastSyncedVersion int64
	LastSyncAt        time.Time
}

// LoadCursor reads the sync cursor. A store that has never synced returns
// the zero cursor.
func (s *Store) LoadCursor(ctx context.Context) (Cursor, error) {
	var c Cursor

	v, err := s.meta(ctx, metaLastSyncedVersion)
	if err != nil {
		return c, err
	}
	if v != "" {
		if c.LastSyncedVersion, err = strconv.ParseInt(v, 10, 64); err != nil {
			return c, fmt.Errorf("parsing %s %q: %w", metaLastSyncedVersion, v, err)
		}
	}

	at, err := s.meta(ctx, metaLastSyncAt)
	if err != nil {
		return c, err
	}
	if at != "" {
		if c.LastSyncAt, err = parseTime(at); err != nil {
			return c, fmt.Errorf("parsing %s %q: %w", metaLastSyncAt, at, err)
		}
	}

	return c, nil
}

// SaveCursor persists the cursor. The sync engine calls this exactly once
// per attempt, after a fully successful reconciliation.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	if err := s.setMeta(ctx, metaLastSyncedVersion, strconv.FormatInt(c.LastSyncedVersion, 10)); err != nil {
		return err
	}
	return s.setMeta(ctx, metaLastSyncAt, formatTime(c.LastSyncAt))
}

func (s *Store) meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading sync metadata %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, formatTime(s.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("writing sync metadata %q: %w", key, err)
	}
	return nil
}
