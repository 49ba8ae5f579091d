package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	embmock "github.com/mnemo-ai/mnemo/pkg/provider/embeddings/mock"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	llmmock "github.com/mnemo-ai/mnemo/pkg/provider/llm/mock"
)

// memStore is an in-memory LongTermStore that records every write.
type memStore struct {
	mu    sync.Mutex
	state LongTermState

	factsSaves   []map[string]FactRecord
	notepadSaves []string
	topicsSaves  [][]*Topic
	embSaves     []map[string][]float32
	clears       []ClearScope

	saveErr error
}

func (s *memStore) Load(context.Context) (*LongTermState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	return &st, nil
}

func (s *memStore) SaveFacts(_ context.Context, facts map[string]FactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factsSaves = append(s.factsSaves, facts)
	return s.saveErr
}

func (s *memStore) SaveNotepad(_ context.Context, notepad string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notepadSaves = append(s.notepadSaves, notepad)
	return s.saveErr
}

func (s *memStore) SaveTopics(_ context.Context, topics []*Topic, embeddings map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topicsSaves = append(s.topicsSaves, topics)
	s.embSaves = append(s.embSaves, embeddings)
	return s.saveErr
}

func (s *memStore) Clear(_ context.Context, scope ClearScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears = append(s.clears, scope)
	return s.saveErr
}

func newLongTerm(t *testing.T, store *memStore, llmProv llm.Provider, embProv *embmock.Provider) *LongTerm {
	t.Helper()
	lt, err := NewLongTerm(context.Background(), "skylar", llmProv, embProv, store)
	if err != nil {
		t.Fatalf("NewLongTerm() error = %v", err)
	}
	return lt
}

func TestSaveFactsUpsertAndClamp(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})
	ctx := context.Background()

	err := lt.SaveFacts(ctx, Facts{Facts: []Fact{
		{Field: "name", Value: "Skylar", Importance: 15},
		{Field: "hobby", Value: "climbing", Importance: 0},
		{Field: "mood", Value: "   ", Importance: 9},
	}})
	if err != nil {
		t.Fatalf("SaveFacts() error = %v", err)
	}

	facts := lt.Facts()
	if got := facts["name"]; got.Value != "Skylar" || got.Importance != 10 {
		t.Errorf("name = %+v, want value Skylar clamped to importance 10", got)
	}
	if got := facts["hobby"]; got.Importance != 1 {
		t.Errorf("hobby importance = %d, want clamped to 1", got.Importance)
	}
	if _, ok := facts["mood"]; ok {
		t.Error("blank value was stored")
	}

	// Same field overwrites.
	if err := lt.SaveFacts(ctx, Facts{Facts: []Fact{{Field: "name", Value: "Sky", Importance: 10}}}); err != nil {
		t.Fatalf("SaveFacts() error = %v", err)
	}
	if got := lt.Facts()["name"].Value; got != "Sky" {
		t.Errorf("name = %q after overwrite, want Sky", got)
	}
	if len(store.factsSaves) != 2 {
		t.Errorf("store saw %d fact saves, want 2", len(store.factsSaves))
	}
}

func TestSaveFactsPrunesStaleMinorFacts(t *testing.T) {
	t.Parallel()

	old := time.Now().UTC().Add(-2 * 365 * 24 * time.Hour)
	store := &memStore{state: LongTermState{
		Facts: map[string]FactRecord{
			"stale_minor":  {Value: "x", Importance: 3, UpdatedAt: old},
			"stale_major":  {Value: "y", Importance: 9, UpdatedAt: old},
			"undated":      {Value: "z", Importance: 2},
			"recent_minor": {Value: "w", Importance: 2, UpdatedAt: time.Now().UTC()},
		},
	}}
	lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})

	if err := lt.SaveFacts(context.Background(), Facts{Facts: []Fact{{Field: "name", Value: "Skylar", Importance: 10}}}); err != nil {
		t.Fatalf("SaveFacts() error = %v", err)
	}

	facts := lt.Facts()
	if _, ok := facts["stale_minor"]; ok {
		t.Error("stale minor fact survived pruning")
	}
	if _, ok := facts["stale_major"]; !ok {
		t.Error("important fact was pruned despite age")
	}
	// Missing timestamps fail open.
	if _, ok := facts["undated"]; !ok {
		t.Error("undated fact was pruned")
	}
	if _, ok := facts["recent_minor"]; !ok {
		t.Error("recent fact was pruned")
	}
}

func TestLongTermBuildContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("facts are sorted and notepad truncated", func(t *testing.T) {
		t.Parallel()
		store := &memStore{state: LongTermState{
			Facts: map[string]FactRecord{
				"b_field": {Value: "2"},
				"a_field": {Value: "1"},
				"c_field": {Value: "3"},
			},
			Notepad: strings.Repeat("n", notepadContextLimit+500),
		}}
		lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})

		out, err := lt.BuildContext(ctx, "", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		want := []string{"a_field: 1", "b_field: 2", "c_field: 3"}
		for i, line := range want {
			if out.Facts[i] != line {
				t.Errorf("Facts[%d] = %q, want %q", i, out.Facts[i], line)
			}
		}
		if len(out.Notepad) != notepadContextLimit+3 || !strings.HasSuffix(out.Notepad, "...") {
			t.Errorf("notepad length = %d, want truncated to %d plus ellipsis", len(out.Notepad), notepadContextLimit)
		}
	})

	t.Run("notepad truncation keeps valid utf-8", func(t *testing.T) {
		t.Parallel()
		store := &memStore{state: LongTermState{
			Notepad: strings.Repeat("é", notepadContextLimit+10),
		}}
		lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})

		out, err := lt.BuildContext(ctx, "", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		if !utf8.ValidString(out.Notepad) {
			t.Error("truncation split a rune into invalid UTF-8")
		}
		if got := utf8.RuneCountInString(out.Notepad); got != notepadContextLimit+3 {
			t.Errorf("notepad runes = %d, want truncated to %d plus ellipsis", got, notepadContextLimit)
		}
	})

	t.Run("retrieves relevant corpus topics", func(t *testing.T) {
		t.Parallel()
		near := retrievalTopic("japan-trip")
		far := retrievalTopic("tax-forms")
		store := &memStore{state: LongTermState{
			Topics: []*Topic{near, far},
			Embeddings: map[string][]float32{
				near.ID: {1, 0, 0},
				far.ID:  {0, 1, 0},
			},
		}}
		embProv := &embmock.Provider{
			DimensionsValue: 3,
			EmbedByText:     map[string][]float32{"trip logistics": {1, 0, 0}},
		}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		out, err := lt.BuildContext(ctx, "trip logistics", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		if len(out.RelevantTopics) != 1 || out.RelevantTopics[0].ID != near.ID {
			t.Errorf("RelevantTopics = %+v, want only the matching topic", out.RelevantTopics)
		}
	})

	t.Run("repeated reads return equal contexts", func(t *testing.T) {
		t.Parallel()
		topic := retrievalTopic("japan-trip")
		store := &memStore{state: LongTermState{
			Facts:      map[string]FactRecord{"name": {Value: "Skylar", Importance: 10}},
			Notepad:    "User prefers brevity.",
			Topics:     []*Topic{topic},
			Embeddings: map[string][]float32{topic.ID: {1, 0, 0}},
		}}
		embProv := &embmock.Provider{
			DimensionsValue: 3,
			EmbedByText:     map[string][]float32{"trip logistics": {1, 0, 0}},
		}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		first, err := lt.BuildContext(ctx, "trip logistics", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		second, err := lt.BuildContext(ctx, "trip logistics", 0)
		if err != nil {
			t.Fatalf("BuildContext() second call error = %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("a read-only second call changed the context:\nfirst  = %+v\nsecond = %+v", first, second)
		}
	})

	t.Run("no match yields empty retrieval", func(t *testing.T) {
		t.Parallel()
		topic := retrievalTopic("tax-forms")
		store := &memStore{state: LongTermState{
			Topics:     []*Topic{topic},
			Embeddings: map[string][]float32{topic.ID: {0, 1, 0}},
		}}
		embProv := &embmock.Provider{
			DimensionsValue: 3,
			EmbedByText:     map[string][]float32{"gardening tips": {1, 0, 0}},
		}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		out, err := lt.BuildContext(ctx, "gardening tips", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		if len(out.RelevantTopics) != 0 {
			t.Errorf("RelevantTopics = %+v, want none below threshold", out.RelevantTopics)
		}
	})
}

func substantialTopic(name, summary string) *Topic {
	now := time.Now().UTC()
	topic := NewTopic()
	topic.Name = name
	topic.Summary = summary
	topic.Append(llm.RoleUser, "question", now)
	topic.Append(llm.RoleAssistant, "answer", now)
	topic.Close(now)
	return topic
}

func TestUpdateNotepad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("skips without substantial topics", func(t *testing.T) {
		t.Parallel()
		thin := NewTopic()
		thin.Append(llm.RoleUser, "hi", time.Now().UTC())
		store := &memStore{state: LongTermState{Topics: []*Topic{thin}}}
		llmProv := &llmmock.Provider{}
		lt := newLongTerm(t, store, llmProv, &embmock.Provider{DimensionsValue: 3})

		if err := lt.UpdateNotepad(ctx); err != nil {
			t.Fatalf("UpdateNotepad() error = %v", err)
		}
		if len(llmProv.CompleteCalls) != 0 {
			t.Error("notepad update called the model with nothing to reflect on")
		}
		if len(store.notepadSaves) != 0 {
			t.Error("notepad was rewritten without input")
		}
	})

	t.Run("rewrites and persists", func(t *testing.T) {
		t.Parallel()
		store := &memStore{state: LongTermState{
			Notepad: "old guidance",
			Topics:  []*Topic{substantialTopic("Trip", "Planned a trip.")},
		}}
		llmProv := &llmmock.Provider{
			CompleteResponse: completion(`{"updated_notepad": "User prefers concrete examples."}`),
		}
		lt := newLongTerm(t, store, llmProv, &embmock.Provider{DimensionsValue: 3})

		if err := lt.UpdateNotepad(ctx); err != nil {
			t.Fatalf("UpdateNotepad() error = %v", err)
		}
		if got := lt.Notepad(); got != "User prefers concrete examples." {
			t.Errorf("Notepad() = %q", got)
		}
		if len(store.notepadSaves) != 1 || store.notepadSaves[0] != "User prefers concrete examples." {
			t.Errorf("store saw notepad saves %v", store.notepadSaves)
		}
	})

	t.Run("failure keeps current notepad", func(t *testing.T) {
		t.Parallel()
		store := &memStore{state: LongTermState{
			Notepad: "keep me",
			Topics:  []*Topic{substantialTopic("Trip", "Planned a trip.")},
		}}
		llmProv := &llmmock.Provider{CompleteErr: errors.New("llm backend down")}
		lt := newLongTerm(t, store, llmProv, &embmock.Provider{DimensionsValue: 3})

		if err := lt.UpdateNotepad(ctx); err != nil {
			t.Fatalf("UpdateNotepad() error = %v, want nil on degradation", err)
		}
		if got := lt.Notepad(); got != "keep me" {
			t.Errorf("Notepad() = %q, want unchanged", got)
		}
		if len(store.notepadSaves) != 0 {
			t.Error("failed update still rewrote the stored notepad")
		}
	})

	t.Run("overgrown notepad is compressed", func(t *testing.T) {
		t.Parallel()
		store := &memStore{state: LongTermState{
			Topics: []*Topic{substantialTopic("Trip", "Planned a trip.")},
		}}
		overgrown := strings.Repeat("x", notepadCompressChars+100)
		llmProv := &llmmock.Provider{
			CompleteResponses: []*llm.CompletionResponse{
				completion(fmt.Sprintf(`{"updated_notepad": %q}`, overgrown)),
				completion(`{"updated_notepad": "dense form"}`),
			},
		}
		lt := newLongTerm(t, store, llmProv, &embmock.Provider{DimensionsValue: 3})

		if err := lt.UpdateNotepad(ctx); err != nil {
			t.Fatalf("UpdateNotepad() error = %v", err)
		}
		if got := lt.Notepad(); got != "dense form" {
			t.Errorf("Notepad() = %q, want compressed form", got)
		}
		if len(llmProv.CompleteCalls) != 2 {
			t.Errorf("model called %d times, want update then compression", len(llmProv.CompleteCalls))
		}
		if len(store.notepadSaves) != 1 || store.notepadSaves[0] != "dense form" {
			t.Errorf("store saw notepad saves of lengths %d, want one compressed save", len(store.notepadSaves))
		}
	})
}

func TestAdoptTopics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("provided embedding is adopted without a model call", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		embProv := &embmock.Provider{DimensionsValue: 3}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		topic := substantialTopic("Trip", "Planned a trip.")
		embs := map[string][]float32{topic.ID: {1, 0, 0}}
		if err := lt.AdoptTopics(ctx, []*Topic{topic}, embs); err != nil {
			t.Fatalf("AdoptTopics() error = %v", err)
		}
		if len(embProv.EmbedCalls) != 0 || len(embProv.EmbedBatchCalls) != 0 {
			t.Error("embedding recomputed despite being provided")
		}
		if len(store.topicsSaves) != 1 || len(store.topicsSaves[0]) != 1 {
			t.Fatalf("store saw topic saves %v", store.topicsSaves)
		}
		if got := store.embSaves[0][topic.ID]; got == nil {
			t.Error("embedding missing from persisted corpus")
		}
	})

	t.Run("missing embedding is computed from the topic text", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		embProv := &embmock.Provider{EmbedResult: []float32{0, 1, 0}, DimensionsValue: 3}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		topic := substantialTopic("Trip", "Planned a trip.")
		if err := lt.AdoptTopics(ctx, []*Topic{topic}, nil); err != nil {
			t.Fatalf("AdoptTopics() error = %v", err)
		}
		if len(embProv.EmbedBatchCalls) != 1 {
			t.Fatalf("EmbedBatch called %d times, want 1", len(embProv.EmbedBatchCalls))
		}
		if got := embProv.EmbedBatchCalls[0].Texts; len(got) != 1 || got[0] != "Planned a trip." {
			t.Errorf("embedded %v, want the summary", got)
		}
		if got := store.embSaves[0][topic.ID]; got == nil {
			t.Error("lazily computed embedding missing from persisted corpus")
		}
	})

	t.Run("missing embeddings share one batched call", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		embProv := &embmock.Provider{
			DimensionsValue: 3,
			EmbedByText: map[string][]float32{
				"Planned a trip.":  {1, 0, 0},
				"Compared flights": {0, 1, 0},
			},
		}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		trip := substantialTopic("Trip", "Planned a trip.")
		flights := substantialTopic("Compared flights", "")
		if err := lt.AdoptTopics(ctx, []*Topic{trip, flights}, nil); err != nil {
			t.Fatalf("AdoptTopics() error = %v", err)
		}
		if len(embProv.EmbedBatchCalls) != 1 {
			t.Fatalf("EmbedBatch called %d times, want one call for both topics", len(embProv.EmbedBatchCalls))
		}
		if got := embProv.EmbedBatchCalls[0].Texts; len(got) != 2 {
			t.Fatalf("batched %v, want both topic texts", got)
		}
		embs := store.embSaves[0]
		if embs[trip.ID] == nil || embs[flights.ID] == nil {
			t.Errorf("persisted embeddings %v, want one per adopted topic", embs)
		}
	})

	t.Run("adopts a copy, not the session's topic", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 3})

		topic := substantialTopic("Trip", "Planned a trip.")
		if err := lt.AdoptTopics(ctx, []*Topic{topic}, nil); err != nil {
			t.Fatalf("AdoptTopics() error = %v", err)
		}
		topic.Name = "mutated after hand-off"
		topic.Messages[0].Content = "mutated"

		adopted := store.topicsSaves[0][0]
		if adopted.Name != "Trip" || adopted.Messages[0].Content != "question" {
			t.Errorf("corpus topic shares state with the session topic: %+v", adopted)
		}
	})

	t.Run("embedding failure keeps the topic unsearchable", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		embProv := &embmock.Provider{EmbedBatchErr: errors.New("embed backend down"), DimensionsValue: 3}
		lt := newLongTerm(t, store, &llmmock.Provider{}, embProv)

		topic := substantialTopic("Trip", "Planned a trip.")
		if err := lt.AdoptTopics(ctx, []*Topic{topic}, nil); err != nil {
			t.Fatalf("AdoptTopics() error = %v, want nil; embedding loss is a degradation", err)
		}
		if len(store.topicsSaves[0]) != 1 {
			t.Error("topic dropped from corpus over a failed embedding")
		}
		if _, ok := store.embSaves[0][topic.ID]; ok {
			t.Error("failed embedding still persisted")
		}
	})

	t.Run("clear wipes selected parts", func(t *testing.T) {
		t.Parallel()
		topic := substantialTopic("Trip", "Planned a trip.")
		store := &memStore{state: LongTermState{
			Facts:      map[string]FactRecord{"name": {Value: "Skylar", Importance: 10}},
			Notepad:    "keep me",
			Topics:     []*Topic{topic},
			Embeddings: map[string][]float32{topic.ID: {1, 0, 0}},
		}}
		lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})

		if err := lt.Clear(ctx, ClearScope{Topics: true}); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		out, err := lt.BuildContext(ctx, "", 0)
		if err != nil {
			t.Fatalf("BuildContext() error = %v", err)
		}
		if len(out.Facts) != 1 || out.Notepad != "keep me" {
			t.Error("Clear(topics) touched facts or notepad")
		}
		if len(store.clears) != 1 || !store.clears[0].Topics || store.clears[0].Facts {
			t.Errorf("store saw clears %+v", store.clears)
		}

		if err := lt.Clear(ctx, ClearAll); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if len(lt.Facts()) != 0 || lt.Notepad() != "" {
			t.Error("ClearAll left state behind")
		}
	})

	t.Run("empty adoption is a no-op", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		lt := newLongTerm(t, store, &llmmock.Provider{}, &embmock.Provider{DimensionsValue: 3})
		if err := lt.AdoptTopics(ctx, nil, nil); err != nil {
			t.Fatalf("AdoptTopics() error = %v", err)
		}
		if len(store.topicsSaves) != 0 {
			t.Error("empty adoption rewrote the corpus")
		}
	})
}
