// Package jsonstore persists memory state as JSON files on the local
// filesystem, suitable for a single user per process.
//
// Layout under the data directory:
//
//	longterm_memory/<user>/facts.json
//	longterm_memory/<user>/notepad.md
//	longterm_memory/<user>/all_session_topics.json
//	longterm_memory/<user>/all_session_topics.embeddings
//	sessions/<user>.<n>/topics.json
//	sessions/<user>.<n>/topics.embeddings
//
// All writes are whole-file rewrites: last writer wins, and there is no
// atomicity across the topic list and its embedding table.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mnemo-ai/mnemo/internal/memory"
)

// Compile-time interface checks.
var (
	_ memory.LongTermStore = (*LongTermStore)(nil)
	_ memory.SessionStore  = (*SessionStore)(nil)
)

// LongTermStore persists a user's cross-session memory under
// longterm_memory/<user>/. Thread-safe for concurrent use.
type LongTermStore struct {
	mu  sync.Mutex
	dir string
}

// NewLongTermStore creates the store for one user, creating its directory if
// missing.
func NewLongTermStore(dataDir, user string) (*LongTermStore, error) {
	dir := filepath.Join(dataDir, "longterm_memory", user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonstore: create %q: %w", dir, err)
	}
	return &LongTermStore{dir: dir}, nil
}

func (s *LongTermStore) factsPath() string      { return filepath.Join(s.dir, "facts.json") }
func (s *LongTermStore) notepadPath() string    { return filepath.Join(s.dir, "notepad.md") }
func (s *LongTermStore) topicsPath() string     { return filepath.Join(s.dir, "all_session_topics.json") }
func (s *LongTermStore) embeddingsPath() string { return filepath.Join(s.dir, "all_session_topics.embeddings") }

// Load reads the full long-term state. Missing files load as empty state,
// not as errors.
func (s *LongTermStore) Load(ctx context.Context) (*memory.LongTermState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &memory.LongTermState{
		Facts:      make(map[string]memory.FactRecord),
		Embeddings: make(map[string][]float32),
	}

	if err := readJSON(s.factsPath(), &state.Facts); err != nil {
		return nil, fmt.Errorf("jsonstore: load facts: %w", err)
	}
	if err := readJSON(s.topicsPath(), &state.Topics); err != nil {
		return nil, fmt.Errorf("jsonstore: load topics: %w", err)
	}
	if err := readJSON(s.embeddingsPath(), &state.Embeddings); err != nil {
		return nil, fmt.Errorf("jsonstore: load embeddings: %w", err)
	}

	notepad, err := os.ReadFile(s.notepadPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("jsonstore: load notepad: %w", err)
	}
	state.Notepad = string(notepad)

	return state, nil
}

// SaveFacts rewrites the full facts table.
func (s *LongTermStore) SaveFacts(ctx context.Context, facts map[string]memory.FactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.factsPath(), facts)
}

// SaveNotepad rewrites the notepad file.
func (s *LongTermStore) SaveNotepad(ctx context.Context, notepad string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.notepadPath(), []byte(notepad), 0o644); err != nil {
		return fmt.Errorf("jsonstore: save notepad: %w", err)
	}
	return nil
}

// SaveTopics rewrites the full topic corpus and its embedding table. The two
// writes are sequential, not transactional; a crash between them can leave
// the files out of step.
func (s *LongTermStore) SaveTopics(ctx context.Context, topics []*memory.Topic, embeddings map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(s.topicsPath(), topics); err != nil {
		return err
	}
	return writeJSON(s.embeddingsPath(), embeddings)
}

// Clear removes the files of the selected memory parts. Missing files are
// fine; the state being cleared may never have been written.
func (s *LongTermStore) Clear(ctx context.Context, scope memory.ClearScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	if scope.Facts {
		paths = append(paths, s.factsPath())
	}
	if scope.Topics {
		paths = append(paths, s.topicsPath(), s.embeddingsPath())
	}
	if scope.Notepad {
		paths = append(paths, s.notepadPath())
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("jsonstore: clear %q: %w", path, err)
		}
	}
	return nil
}

// sessionFile is the on-disk shape of a session's topic state.
type sessionFile struct {
	Topics      []*memory.Topic `json:"topics"`
	OpenTopicID string          `json:"open_topic_id,omitempty"`
}

// SessionStore persists one session's topic state under
// sessions/<user>.<n>/. Thread-safe for concurrent use.
type SessionStore struct {
	mu  sync.Mutex
	dir string
}

// NewSessionStore creates the store for one session, creating its directory
// if missing.
func NewSessionStore(dataDir, user string, sessionNum int) (*SessionStore, error) {
	dir := filepath.Join(dataDir, "sessions", fmt.Sprintf("%s.%d", user, sessionNum))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonstore: create %q: %w", dir, err)
	}
	return &SessionStore{dir: dir}, nil
}

// SaveSession rewrites the session's topic list (closed topics plus the open
// one, if any) and its embedding table.
func (s *SessionStore) SaveSession(ctx context.Context, closed []*memory.Topic, open *memory.Topic, embeddings map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := sessionFile{Topics: append([]*memory.Topic(nil), closed...)}
	if open != nil {
		file.Topics = append(file.Topics, open)
		file.OpenTopicID = open.ID
	}
	if err := writeJSON(filepath.Join(s.dir, "topics.json"), file); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.dir, "topics.embeddings"), embeddings)
}

// NextSessionNum allocates the next session number for a user by scanning
// existing session directories. Sessions run sequentially per user, so a scan
// at startup cannot collide. The first session is 1.
func NextSessionNum(dataDir, user string) (int, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return 0, fmt.Errorf("jsonstore: create %q: %w", sessionsDir, err)
	}

	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return 0, fmt.Errorf("jsonstore: read %q: %w", sessionsDir, err)
	}

	max := 0
	prefix := user + "."
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		num, err := strconv.Atoi(e.Name()[len(prefix):])
		if err != nil {
			continue
		}
		if num > max {
			max = num
		}
	}
	return max + 1, nil
}

// readJSON decodes the file at path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON rewrites the file at path with the indented JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: marshal %q: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("jsonstore: write %q: %w", path, err)
	}
	return nil
}
