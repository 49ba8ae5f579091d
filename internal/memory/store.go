package memory

import (
	"context"
	"time"
)

// FactRecord is the stored form of a user fact, keyed by field name in the
// facts table. A new fact with the same field overwrites the old record.
type FactRecord struct {
	Value      string    `json:"value"`
	Importance int       `json:"importance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LongTermState is the full durable state of a user's long-term memory, as
// loaded from or written to a LongTermStore.
type LongTermState struct {
	Facts      map[string]FactRecord
	Notepad    string
	Topics     []*Topic
	Embeddings map[string][]float32
}

// ClearScope selects which parts of long-term memory a Clear wipes.
type ClearScope struct {
	Facts   bool
	Topics  bool
	Notepad bool
}

// ClearAll wipes everything.
var ClearAll = ClearScope{Facts: true, Topics: true, Notepad: true}

// LongTermStore persists a user's cross-session memory. Writes have
// whole-document rewrite semantics: last writer wins, no merge on conflict,
// and no atomicity across the topic list and its embedding table.
//
// Load tolerates missing state by returning empty values, never an error for
// absence.
type LongTermStore interface {
	Load(ctx context.Context) (*LongTermState, error)
	SaveFacts(ctx context.Context, facts map[string]FactRecord) error
	SaveNotepad(ctx context.Context, notepad string) error
	SaveTopics(ctx context.Context, topics []*Topic, embeddings map[string][]float32) error
	Clear(ctx context.Context, scope ClearScope) error
}

// SessionStore persists a single session's topic state for inspection and
// recovery. Like LongTermStore, writes are whole-document rewrites.
type SessionStore interface {
	SaveSession(ctx context.Context, closed []*Topic, open *Topic, embeddings map[string][]float32) error
}
