package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"asicast/internal/control"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store handles SQLite persistence of control values and session history
type Store struct {
	db *sql.DB
}

// SessionRecord represents one run of the capture pipeline
type SessionRecord struct {
	ID              string     `json:"id"`
	SourceName      string     `json:"source_name"`
	Driver          string     `json:"driver"`
	Mode            string     `json:"mode"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	FramesPublished uint64     `json:"frames_published"`
	Broadcasts      uint64     `json:"broadcasts"`
}

// Open creates a new database connection and runs migrations
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the command handler and shutdown
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS control_values (
			id TEXT PRIMARY KEY,
			value INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source_name TEXT NOT NULL,
			driver TEXT,
			mode TEXT,
			width INTEGER,
			height INTEGER,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			frames_published INTEGER DEFAULT 0,
			broadcasts INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveControl saves or updates a control value
func (s *Store) SaveControl(ctx context.Context, id control.ID, value int64) error {
	query := `INSERT INTO control_values (id, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, string(id), value, time.Now().UTC()); err != nil {
		return fmt.Errorf("save control %s: %w", id, err)
	}
	return nil
}

// LoadControls returns every stored control value
func (s *Store) LoadControls(ctx context.Context) (map[control.ID]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM control_values`)
	if err != nil {
		return nil, fmt.Errorf("load controls: %w", err)
	}
	defer rows.Close()

	values := make(map[control.ID]int64)
	for rows.Next() {
		var id string
		var value int64
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		if control.ID(id).Valid() {
			values[control.ID(id)] = value
		}
	}
	return values, rows.Err()
}

// DeleteControl removes a stored value so the default applies again
func (s *Store) DeleteControl(ctx context.Context, id control.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM control_values WHERE id = ?`, string(id))
	return err
}

// StartSession records the start of a session
func (s *Store) StartSession(ctx context.Context, rec *SessionRecord) error {
	query := `INSERT INTO sessions (id, source_name, driver, mode, width, height, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SourceName, rec.Driver, rec.Mode, rec.Width, rec.Height, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("start session %s: %w", rec.ID, err)
	}
	return nil
}

// EndSession records the end time and final counters of a session
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, framesPublished, broadcasts uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, frames_published = ?, broadcasts = ? WHERE id = ?`,
		endedAt.UTC(), int64(framesPublished), int64(broadcasts), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, source_name, driver, mode, width, height, started_at, ended_at, frames_published, broadcasts
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListSessions returns the most recent sessions first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_name, driver, mode, width, height, started_at, ended_at, frames_published, broadcasts
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// DeleteOldSessions removes sessions that ended before the given time, and
// sessions that never recorded an end and started before it. The session
// with id keep is never removed.
func (s *Store) DeleteOldSessions(ctx context.Context, before time.Time, keep string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id != ? AND COALESCE(ended_at, started_at) < ?`, keep, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var endedAt sql.NullTime
	var frames, broadcasts int64
	err := row.Scan(&rec.ID, &rec.SourceName, &rec.Driver, &rec.Mode, &rec.Width, &rec.Height,
		&rec.StartedAt, &endedAt, &frames, &broadcasts)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	rec.FramesPublished = uint64(frames)
	rec.Broadcasts = uint64(broadcasts)
	return &rec, nil
}
