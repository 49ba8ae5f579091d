package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo/internal/memory"
)

func TestLongTermStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	ctx := context.Background()

	store, err := NewLongTermStore(dataDir, "skylar")
	if err != nil {
		t.Fatalf("NewLongTermStore() error = %v", err)
	}

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	facts := map[string]memory.FactRecord{
		"name": {Value: "Skylar", Importance: 10, UpdatedAt: now},
	}
	topic := memory.NewTopic()
	topic.Name = "Trip"
	topic.Summary = "Planned a trip."
	topic.Append("user", "question", now)
	topic.Append("assistant", "answer", now)
	topic.Close(now)
	embeddings := map[string][]float32{topic.ID: {0.5, -0.25, 1}}

	if err := store.SaveFacts(ctx, facts); err != nil {
		t.Fatalf("SaveFacts() error = %v", err)
	}
	if err := store.SaveNotepad(ctx, "User prefers brevity."); err != nil {
		t.Fatalf("SaveNotepad() error = %v", err)
	}
	if err := store.SaveTopics(ctx, []*memory.Topic{topic}, embeddings); err != nil {
		t.Fatalf("SaveTopics() error = %v", err)
	}

	// Reload through a fresh store, as a new process would.
	reopened, err := NewLongTermStore(dataDir, "skylar")
	if err != nil {
		t.Fatalf("NewLongTermStore() error = %v", err)
	}
	state, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := state.Facts["name"]; got.Value != "Skylar" || got.Importance != 10 || !got.UpdatedAt.Equal(now) {
		t.Errorf("loaded fact = %+v", got)
	}
	if state.Notepad != "User prefers brevity." {
		t.Errorf("loaded notepad = %q", state.Notepad)
	}
	if len(state.Topics) != 1 {
		t.Fatalf("loaded %d topics, want 1", len(state.Topics))
	}
	got := state.Topics[0]
	if got.ID != topic.ID || got.Name != "Trip" || got.Summary != "Planned a trip." {
		t.Errorf("loaded topic = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "answer" {
		t.Errorf("loaded topic messages = %+v", got.Messages)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(now) {
		t.Errorf("loaded topic ClosedAt = %v, want %v", got.ClosedAt, now)
	}
	vec := state.Embeddings[topic.ID]
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -0.25 || vec[2] != 1 {
		t.Errorf("loaded embedding = %v", vec)
	}
}

func TestLongTermStoreClear(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	ctx := context.Background()
	store, err := NewLongTermStore(dataDir, "skylar")
	if err != nil {
		t.Fatalf("NewLongTermStore() error = %v", err)
	}

	topic := memory.NewTopic()
	topic.Name = "Trip"
	if err := store.SaveFacts(ctx, map[string]memory.FactRecord{"name": {Value: "Skylar"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveNotepad(ctx, "keep me"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveTopics(ctx, []*memory.Topic{topic}, map[string][]float32{topic.ID: {1}}); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(ctx, memory.ClearScope{Topics: true}); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(state.Topics) != 0 || len(state.Embeddings) != 0 {
		t.Error("Clear(topics) left the corpus behind")
	}
	if len(state.Facts) != 1 || state.Notepad != "keep me" {
		t.Error("Clear(topics) touched facts or notepad")
	}

	// Clearing already-missing state is fine.
	if err := store.Clear(ctx, memory.ClearAll); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := store.Clear(ctx, memory.ClearAll); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
}

func TestLongTermStoreLoadMissingState(t *testing.T) {
	t.Parallel()

	store, err := NewLongTermStore(t.TempDir(), "skylar")
	if err != nil {
		t.Fatalf("NewLongTermStore() error = %v", err)
	}
	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v on missing files", err)
	}
	if len(state.Facts) != 0 || state.Notepad != "" || len(state.Topics) != 0 || len(state.Embeddings) != 0 {
		t.Errorf("missing state loaded as %+v, want empty", state)
	}
}

func TestSessionStoreSaveSession(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	ctx := context.Background()

	store, err := NewSessionStore(dataDir, "skylar", 1)
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}

	now := time.Now().UTC()
	closed := memory.NewTopic()
	closed.Name = "Trip"
	closed.Append("user", "question", now)
	closed.Close(now)
	open := memory.NewTopic()
	open.Append("user", "still talking", now)

	err = store.SaveSession(ctx, []*memory.Topic{closed}, open, map[string][]float32{closed.ID: {1, 0}})
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	dir := filepath.Join(dataDir, "sessions", "skylar.1")
	var file sessionFile
	if err := readJSON(filepath.Join(dir, "topics.json"), &file); err != nil {
		t.Fatalf("read topics.json: %v", err)
	}
	if len(file.Topics) != 2 {
		t.Fatalf("session file has %d topics, want closed plus open", len(file.Topics))
	}
	if file.OpenTopicID != open.ID {
		t.Errorf("OpenTopicID = %q, want %q", file.OpenTopicID, open.ID)
	}

	var embs map[string][]float32
	if err := readJSON(filepath.Join(dir, "topics.embeddings"), &embs); err != nil {
		t.Fatalf("read topics.embeddings: %v", err)
	}
	if len(embs[closed.ID]) != 2 {
		t.Errorf("embeddings = %v", embs)
	}
}

func TestNextSessionNum(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	num, err := NextSessionNum(dataDir, "skylar")
	if err != nil {
		t.Fatalf("NextSessionNum() error = %v", err)
	}
	if num != 1 {
		t.Errorf("first session = %d, want 1", num)
	}

	for _, dir := range []string{"skylar.1", "skylar.3", "skylar.x", "other.7"} {
		if err := os.MkdirAll(filepath.Join(dataDir, "sessions", dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	num, err = NextSessionNum(dataDir, "skylar")
	if err != nil {
		t.Fatalf("NextSessionNum() error = %v", err)
	}
	if num != 4 {
		t.Errorf("NextSessionNum() = %d, want max+1 = 4 ignoring other users and junk", num)
	}
}
