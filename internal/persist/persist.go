// Package persist provides SQLite-backed durability for in-flight transfer
// sessions and their chunk bitmaps, so an engine can resume a transfer after
// a process restart instead of starting over.
package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a lookup or update names a channel
// with no persisted session record.
var ErrSessionNotFound = errors.New("persist: session not found")

// SessionRecord is the durable snapshot of one channel's transfer session.
type SessionRecord struct {
	Channel   uint64
	Hash      string
	Direction string // "sender" or "receiver"
	State     string
	NumChunks uint64
	ChunkSize uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a SQLite-backed store for session records and chunk bitmaps.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) a SQLite database at dbPath and
// ensures its schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			channel     INTEGER PRIMARY KEY,
			hash        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			state       TEXT NOT NULL,
			num_chunks  INTEGER NOT NULL,
			chunk_size  INTEGER NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bitmaps (
			channel         INTEGER PRIMARY KEY,
			bitmap_data     BLOB NOT NULL,
			chunks_received INTEGER NOT NULL DEFAULT 0,
			updated_at      TIMESTAMP NOT NULL,
			FOREIGN KEY (channel) REFERENCES sessions(channel) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("persist: init schema: %w", err)
	}
	return nil
}

// SaveSession inserts or replaces the record for its channel.
func (s *Store) SaveSession(r SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
		(channel, hash, direction, state, num_chunks, chunk_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Channel, r.Hash, r.Direction, r.State, r.NumChunks, r.ChunkSize, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist: save session %d: %w", r.Channel, err)
	}
	return nil
}

// LoadSession retrieves the record for channel.
func (s *Store) LoadSession(channel uint64) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r SessionRecord
	r.Channel = channel
	err := s.db.QueryRow(`
		SELECT hash, direction, state, num_chunks, chunk_size, created_at, updated_at
		FROM sessions WHERE channel = ?`, channel,
	).Scan(&r.Hash, &r.Direction, &r.State, &r.NumChunks, &r.ChunkSize, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("persist: load session %d: %w", channel, err)
	}
	return r, nil
}

// UpdateState updates just the state column and the updated_at timestamp.
func (s *Store) UpdateState(channel uint64, state string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE sessions SET state = ?, updated_at = ? WHERE channel = ?`, state, at, channel)
	if err != nil {
		return fmt.Errorf("persist: update state %d: %w", channel, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist: update state %d: %w", channel, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a channel's session and bitmap records.
func (s *Store) DeleteSession(channel uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persist: delete session %d: %w", channel, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM bitmaps WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("persist: delete session %d: bitmap: %w", channel, err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("persist: delete session %d: %w", channel, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist: delete session %d: %w", channel, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

// ListByState returns every channel id whose session is currently in state.
func (s *Store) ListByState(state string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT channel FROM sessions WHERE state = ? ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("persist: list by state %s: %w", state, err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var ch uint64
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("persist: list by state %s: %w", state, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SaveBitmap persists the raw bit-packed received-chunk set for a channel.
func (s *Store) SaveBitmap(channel uint64, bitmap []byte, received int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO bitmaps (channel, bitmap_data, chunks_received, updated_at)
		VALUES (?, ?, ?, ?)`,
		channel, bitmap, received, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("persist: save bitmap %d: %w", channel, err)
	}
	return nil
}

// LoadBitmap retrieves the raw bitmap and received-chunk count for a
// channel.
func (s *Store) LoadBitmap(channel uint64) (bitmap []byte, received int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRow(`SELECT bitmap_data, chunks_received FROM bitmaps WHERE channel = ?`, channel).
		Scan(&bitmap, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrSessionNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("persist: load bitmap %d: %w", channel, err)
	}
	return bitmap, received, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is still reachable, for use by
// observability health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}
