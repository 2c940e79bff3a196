// Package bootjournal keeps a per-boot diagnostic record in SQLite:
// when the device came up, which lifecycle reason the boot resolved,
// and what the restart counter said. Entries are advisory; lifecycle
// decisions never read them back.
package bootjournal

import (
	"database/sql"
	"fmt"
	"time"
)

// Entry is one recorded boot.
type Entry struct {
	ID           int64
	BootedAt     time.Time
	Reason       string
	RestartCount uint32
	Revision     string
}

// Store persists boot entries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a journal store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate bootjournal: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS boot_journal (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			booted_at     TEXT NOT NULL,
			reason        TEXT NOT NULL,
			restart_count INTEGER NOT NULL,
			revision      TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Record inserts a boot entry and returns its ID. A zero BootedAt is
// filled with the current time.
func (s *Store) Record(e Entry) (int64, error) {
	if e.BootedAt.IsZero() {
		e.BootedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO boot_journal (booted_at, reason, restart_count, revision)
		 VALUES (?, ?, ?, ?)`,
		e.BootedAt.UTC().Format(time.RFC3339), e.Reason, e.RestartCount, e.Revision,
	)
	if err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, booted_at, reason, restart_count, revision
		 FROM boot_journal ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent boots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var booted string
		if err := rows.Scan(&e.ID, &booted, &e.Reason, &e.RestartCount, &e.Revision); err != nil {
			return nil, fmt.Errorf("recent boots: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, booted); err == nil {
			e.BootedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneBefore deletes entries older than cutoff and returns how many
// were removed.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM boot_journal WHERE booted_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune boots: %w", err)
	}
	return res.RowsAffected()
}
