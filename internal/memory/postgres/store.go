package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mnemo-ai/mnemo/internal/memory"
)

// Compile-time interface check.
var _ memory.LongTermStore = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.LongTermStore] for one user. All
// operations are safe for concurrent use.
//
// Save operations keep the whole-document rewrite semantics of the store
// contract: each call replaces the user's full facts table or topic corpus
// inside a single transaction.
type Store struct {
	pool *pgxpool.Pool
	user string
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func NewStore(ctx context.Context, dsn, user string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, user: user}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load reads the user's full long-term state. A user with no rows loads as
// empty state.
func (s *Store) Load(ctx context.Context) (*memory.LongTermState, error) {
	state := &memory.LongTermState{
		Facts:      make(map[string]memory.FactRecord),
		Embeddings: make(map[string][]float32),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT field, value, importance, updated_at FROM facts WHERE username = $1`, s.user)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load facts: %w", err)
	}
	for rows.Next() {
		var field string
		var rec memory.FactRecord
		if err := rows.Scan(&field, &rec.Value, &rec.Importance, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres store: scan fact: %w", err)
		}
		state.Facts[field] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load facts: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT content FROM notepads WHERE username = $1`, s.user).Scan(&state.Notepad)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres store: load notepad: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, name, summary, messages, created_at, closed_at, embedding
		 FROM topics WHERE username = $1 ORDER BY seq`, s.user)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load topics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t memory.Topic
		var messagesJSON []byte
		var embedding *pgvector.Vector
		if err := rows.Scan(&t.ID, &t.Name, &t.Summary, &messagesJSON, &t.CreatedAt, &t.ClosedAt, &embedding); err != nil {
			return nil, fmt.Errorf("postgres store: scan topic: %w", err)
		}
		if err := json.Unmarshal(messagesJSON, &t.Messages); err != nil {
			return nil, fmt.Errorf("postgres store: decode messages for topic %s: %w", t.ID, err)
		}
		state.Topics = append(state.Topics, &t)
		if embedding != nil {
			state.Embeddings[t.ID] = embedding.Slice()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load topics: %w", err)
	}

	return state, nil
}

// SaveFacts replaces the user's full facts table in one transaction.
func (s *Store) SaveFacts(ctx context.Context, facts map[string]memory.FactRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM facts WHERE username = $1`, s.user); err != nil {
		return fmt.Errorf("postgres store: clear facts: %w", err)
	}
	for field, rec := range facts {
		_, err := tx.Exec(ctx,
			`INSERT INTO facts (username, field, value, importance, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			s.user, field, rec.Value, rec.Importance, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres store: insert fact %q: %w", field, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit facts: %w", err)
	}
	return nil
}

// SaveNotepad upserts the user's notepad.
func (s *Store) SaveNotepad(ctx context.Context, notepad string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notepads (username, content, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (username) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		s.user, notepad)
	if err != nil {
		return fmt.Errorf("postgres store: save notepad: %w", err)
	}
	return nil
}

// Clear deletes the user's rows for the selected memory parts in one
// transaction.
func (s *Store) Clear(ctx context.Context, scope memory.ClearScope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if scope.Facts {
		if _, err := tx.Exec(ctx, `DELETE FROM facts WHERE username = $1`, s.user); err != nil {
			return fmt.Errorf("postgres store: clear facts: %w", err)
		}
	}
	if scope.Topics {
		if _, err := tx.Exec(ctx, `DELETE FROM topics WHERE username = $1`, s.user); err != nil {
			return fmt.Errorf("postgres store: clear topics: %w", err)
		}
	}
	if scope.Notepad {
		if _, err := tx.Exec(ctx, `DELETE FROM notepads WHERE username = $1`, s.user); err != nil {
			return fmt.Errorf("postgres store: clear notepad: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit clear: %w", err)
	}
	return nil
}

// SaveTopics replaces the user's full topic corpus and embeddings in one
// transaction. Topics without an embedding store NULL in the vector column.
func (s *Store) SaveTopics(ctx context.Context, topics []*memory.Topic, embeddings map[string][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM topics WHERE username = $1`, s.user); err != nil {
		return fmt.Errorf("postgres store: clear topics: %w", err)
	}
	for _, t := range topics {
		messagesJSON, err := json.Marshal(t.Messages)
		if err != nil {
			return fmt.Errorf("postgres store: encode messages for topic %s: %w", t.ID, err)
		}
		var embedding *pgvector.Vector
		if emb, ok := embeddings[t.ID]; ok && emb != nil {
			v := pgvector.NewVector(emb)
			embedding = &v
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO topics (id, username, name, summary, messages, created_at, closed_at, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, s.user, t.Name, t.Summary, messagesJSON, t.CreatedAt, t.ClosedAt, embedding)
		if err != nil {
			return fmt.Errorf("postgres store: insert topic %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit topics: %w", err)
	}
	return nil
}
