// Package postgres persists episodes in PostgreSQL with the embedding in a
// pgvector column.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-memory/core"
)

// Store is a write-through memory.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to pgURL and verifies the connection.
func Open(ctx context.Context, pgURL string, logger zerolog.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, log: logger.With().Str("component", "postgres_store").Logger()}, nil
}

// Init creates the vector extension and the episodes table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	// embedding has no fixed dimension so one table serves any deployment;
	// pending episodes have none
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_episodes (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			sequence   BIGINT NOT NULL DEFAULT 0,
			ts         TIMESTAMPTZ,
			embedding  vector,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create episodes table: %w", err)
	}
	s.log.Info().Msg("episode store initialized")
	return nil
}

// Persist upserts the episode row.
func (s *Store) Persist(ctx context.Context, ep *core.Episode) error {
	rec := ep.Clone()
	// the vector column holds the embedding; keep it out of the payload
	vec := rec.Embedding
	rec.Embedding = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}

	var embedding *pgvector.Vector
	if len(vec) > 0 {
		v := pgvector.NewVector(vec)
		embedding = &v
	}
	var ts any
	if !ep.Timestamp.IsZero() {
		ts = ep.Timestamp
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_episodes (id, state, sequence, ts, embedding, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
			sequence = EXCLUDED.sequence,
			ts = EXCLUDED.ts,
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, ep.ID.String(), ep.State.String(), int64(ep.Sequence), ts, embedding, payload)
	if err != nil {
		return fmt.Errorf("persist episode %s: %w", ep.ID, err)
	}
	return nil
}

// LoadAll returns every stored episode in completion order.
func (s *Store) LoadAll(ctx context.Context) ([]*core.Episode, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, embedding, payload FROM memory_episodes ORDER BY sequence, id")
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*core.Episode
	for rows.Next() {
		var (
			id        string
			embedding *pgvector.Vector
			payload   []byte
		)
		if err := rows.Scan(&id, &embedding, &payload); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		var ep core.Episode
		if err := json.Unmarshal(payload, &ep); err != nil {
			s.log.Warn().Err(err).Str("episode_id", id).Msg("skipping undecodable row")
			continue
		}
		if embedding != nil {
			ep.Embedding = embedding.Slice()
		}
		episodes = append(episodes, &ep)
	}
	return episodes, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
