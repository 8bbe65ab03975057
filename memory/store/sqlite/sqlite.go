// Package sqlite persists episodes in a SQLite database using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-memory/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	sequence   INTEGER NOT NULL DEFAULT 0,
	ts         INTEGER NOT NULL DEFAULT 0,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_sequence ON episodes(sequence);
`

// Store is a write-through memory.Store on SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens or creates the database file at path and applies the schema.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	// WAL for concurrent reads, busy timeout for concurrent writers
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open episode db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping episode db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, log: logger.With().Str("component", "sqlite_store").Logger()}
	s.log.Debug().Str("path", path).Msg("opened")
	return s, nil
}

// Persist upserts the episode row.
func (s *Store) Persist(ctx context.Context, ep *core.Episode) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	var ts int64
	if !ep.Timestamp.IsZero() {
		ts = ep.Timestamp.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, state, sequence, ts, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT (id) DO UPDATE
		SET state = excluded.state,
			sequence = excluded.sequence,
			ts = excluded.ts,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, ep.ID.String(), ep.State.String(), int64(ep.Sequence), ts, string(payload))
	if err != nil {
		return fmt.Errorf("persist episode %s: %w", ep.ID, err)
	}
	return nil
}

// LoadAll returns every stored episode in completion order.
func (s *Store) LoadAll(ctx context.Context) ([]*core.Episode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, payload FROM episodes ORDER BY sequence, id")
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*core.Episode
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		var ep core.Episode
		if err := json.Unmarshal([]byte(payload), &ep); err != nil {
			s.log.Warn().Err(err).Str("episode_id", id).Msg("skipping undecodable row")
			continue
		}
		episodes = append(episodes, &ep)
	}
	return episodes, rows.Err()
}

// Count returns the number of stored episodes in state st.
func (s *Store) Count(ctx context.Context, st core.State) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM episodes WHERE state = ?", st.String()).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
