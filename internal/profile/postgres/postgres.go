// Package postgres provides a PostgreSQL-backed implementation of
// [profile.Store]. Voice profile records live in voice_profiles; speaker
// voice prints live in voice_prints behind a pgvector HNSW index for the
// similar-voice lookup.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.DefaultEmbeddingDims)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxrelay/voxrelay/internal/profile"
)

// Compile-time interface check.
var _ profile.Store = (*Store)(nil)

// DefaultEmbeddingDims is the dimension of XTTS speaker embeddings, the
// default embedder shipped with the relay.
const DefaultEmbeddingDims = 512

const ddlVoiceProfiles = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    user_id        TEXT         PRIMARY KEY,
    reference_path TEXT         NOT NULL,
    ready          BOOLEAN      NOT NULL DEFAULT false,
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlVoicePrints returns the voice_prints DDL with the embedding dimension
// substituted. The dimension is baked into the column type at schema creation
// time.
func ddlVoicePrints(embeddingDims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_prints (
    user_id    TEXT         PRIMARY KEY,
    embedding  vector(%d)   NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_prints_embedding
    ON voice_prints USING hnsw (embedding vector_cosine_ops);
`, embeddingDims)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDims must match the output dimension of the configured voice
// embedder. Changing this value after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDims int) error {
	for _, stmt := range []string{ddlVoiceProfiles, ddlVoicePrints(embeddingDims)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("profile migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL-backed profile store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string, embeddingDims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("profile store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Profile implements [profile.Store].
func (s *Store) Profile(ctx context.Context, userID string) (profile.Record, error) {
	const q = `
		SELECT user_id, reference_path, ready, updated_at
		FROM   voice_profiles
		WHERE  user_id = $1`

	var rec profile.Record
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&rec.UserID, &rec.ReferencePath, &rec.Ready, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.Record{}, profile.ErrNotFound
	}
	if err != nil {
		return profile.Record{}, fmt.Errorf("profile store: get profile: %w", err)
	}
	return rec, nil
}

// SaveProfile implements [profile.Store]. Existing records are replaced.
func (s *Store) SaveProfile(ctx context.Context, rec profile.Record) error {
	const q = `
		INSERT INTO voice_profiles (user_id, reference_path, ready, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    reference_path = EXCLUDED.reference_path,
		    ready          = EXCLUDED.ready,
		    updated_at     = now()`

	if _, err := s.pool.Exec(ctx, q, rec.UserID, rec.ReferencePath, rec.Ready); err != nil {
		return fmt.Errorf("profile store: save profile: %w", err)
	}
	return nil
}

// SavePrint implements [profile.Store]. Existing prints are replaced.
func (s *Store) SavePrint(ctx context.Context, userID string, embedding []float32) error {
	const q = `
		INSERT INTO voice_prints (user_id, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("profile store: save print: %w", err)
	}
	return nil
}

// SimilarVoices implements [profile.Store]. Results are ordered by ascending
// cosine distance (most similar first); the query user is excluded.
func (s *Store) SimilarVoices(ctx context.Context, userID string, limit int) ([]profile.Match, error) {
	const q = `
		SELECT user_id,
		       embedding <=> (SELECT embedding FROM voice_prints WHERE user_id = $1) AS distance
		FROM   voice_prints
		WHERE  user_id <> $1
		ORDER  BY distance
		LIMIT  $2`

	// The subquery yields NULL distances when the user has no print; check
	// explicitly so callers get ErrNotFound instead of an empty result.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM voice_prints WHERE user_id = $1)`, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("profile store: similar voices: %w", err)
	}
	if !exists {
		return nil, profile.ErrNotFound
	}

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("profile store: similar voices: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Match, error) {
		var m profile.Match
		if err := row.Scan(&m.UserID, &m.Distance); err != nil {
			return profile.Match{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("profile store: scan rows: %w", err)
	}
	if matches == nil {
		matches = []profile.Match{}
	}
	return matches, nil
}

// Ping reports whether the database is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
