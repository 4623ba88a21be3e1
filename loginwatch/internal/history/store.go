// CLAUDE:SUMMARY SQLite log of login statuses: opens the DB with WAL pragmas, records each check under a UUIDv7, lists and prunes.
// Package history keeps a local log of resolved login statuses.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"

	_ "modernc.org/sqlite"
)

// Schema is the history table.
const Schema = `
CREATE TABLE IF NOT EXISTS login_status_log (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	qr_present INTEGER NOT NULL DEFAULT 0,
	entry_url  TEXT NOT NULL DEFAULT '',
	checked_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_status_checked ON login_status_log(checked_at);
`

// Entry is one recorded status.
type Entry struct {
	ID        string           `json:"id"`
	State     loginstate.State `json:"state"`
	Detail    string           `json:"detail"`
	QRPresent bool             `json:"qr_present"`
	EntryURL  string           `json:"entry_url"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Store is the history database handle.
type Store struct {
	DB *sql.DB

	// NewID generates row ids. Default: UUIDv7 strings.
	NewID func() string
}

// Open opens (or creates) the history database at path with WAL,
// busy_timeout and synchronous NORMAL, then applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		Schema,
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", firstLine(p), err)
		}
	}
	return &Store{DB: db, NewID: uuidV7}, nil
}

func uuidV7() string { return uuid.Must(uuid.NewV7()).String() }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Record appends a status. The QR payload itself is not stored.
func (s *Store) Record(ctx context.Context, entryURL string, st loginstate.Status) error {
	newID := s.NewID
	if newID == nil {
		newID = uuidV7
	}
	checked := st.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO login_status_log (id, state, detail, qr_present, entry_url, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		newID(), string(st.State), st.Detail, st.HasQRPayload(), entryURL, checked.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, state, detail, qr_present, entry_url, checked_at
		 FROM login_status_log ORDER BY checked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			state string
			ms    int64
		)
		if err := rows.Scan(&e.ID, &state, &e.Detail, &e.QRPresent, &e.EntryURL, &ms); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.State = loginstate.State(state)
		e.CheckedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries checked before the cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM login_status_log WHERE checked_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}
