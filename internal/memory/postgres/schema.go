// Package postgres provides a PostgreSQL-backed implementation of the
// long-term memory store. Topic embeddings use the pgvector extension, which
// [Migrate] installs automatically via CREATE EXTENSION IF NOT EXISTS.
//
// The store is a persistence substrate: retrieval still happens over the
// in-memory corpus in the memory package, so the database holds state between
// processes rather than serving queries per turn.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, "alice", 1536)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlFacts = `
CREATE TABLE IF NOT EXISTS facts (
    username    TEXT         NOT NULL,
    field       TEXT         NOT NULL,
    value       TEXT         NOT NULL,
    importance  INT          NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (username, field)
);
`

const ddlNotepads = `
CREATE TABLE IF NOT EXISTS notepads (
    username    TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlTopics returns the topics DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
// The seq column preserves corpus insertion order across reloads.
func ddlTopics(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS topics (
    id          TEXT         PRIMARY KEY,
    seq         BIGSERIAL,
    username    TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    summary     TEXT         NOT NULL DEFAULT '',
    messages    JSONB        NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ  NOT NULL,
    closed_at   TIMESTAMPTZ,
    embedding   vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_topics_username
    ON topics (username);

CREATE INDEX IF NOT EXISTS idx_topics_username_seq
    ON topics (username, seq);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 1536
// for OpenAI text-embedding-3-small, 768 for nomic-embed-text). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlFacts,
		ddlNotepads,
		ddlTopics(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
