package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	"github.com/mnemo-ai/mnemo/pkg/structured"
)

// Long-term retrieval is looser and wider than short-term (0.5/3 vs 0.75/2):
// cross-session topics are not otherwise present in the context, so retrieval
// is their only way in.
const (
	longTermThreshold = 0.5
	longTermDefaultK  = 3
)

// notepadContextLimit caps the notepad text injected into a prompt. Longer
// notepads are truncated with an ellipsis marker.
const notepadContextLimit = 2000

// notepadCompressChars is the notepad length past which a compression rewrite
// is triggered after an update.
const notepadCompressChars = 8000

// Fact pruning: a fact survives when important enough or recent enough.
const (
	factKeepImportance = 7
	factMaxAgeDays     = 365
)

// LongTermContext is the cross-session slice of a prompt context.
type LongTermContext struct {
	// Facts are the stored user facts flattened to "field: value" lines.
	Facts []string

	// Notepad is the strategic notepad text, truncated to notepadContextLimit.
	Notepad string

	// RelevantTopics are retrieved closed topics from past sessions.
	RelevantTopics []*Topic
}

// LongTerm holds a user's memory across all sessions: the facts table, the
// strategic notepad, and the full corpus of closed topics with their
// embeddings. State is loaded from the store at construction and written back
// through it after each mutation.
type LongTerm struct {
	user string

	llm      llm.Provider
	embedder embeddings.Provider
	store    LongTermStore
	metrics  *observe.Metrics

	mu         sync.RWMutex
	facts      map[string]FactRecord
	notepad    string
	topics     []*Topic
	embeddings map[string][]float32
}

// NewLongTerm creates the long-term memory for a user, populating in-memory
// state from the store. Missing durable state loads as empty.
func NewLongTerm(ctx context.Context, user string, llmProvider llm.Provider, embedder embeddings.Provider, store LongTermStore) (*LongTerm, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("long-term memory: load %q: %w", user, err)
	}
	if state.Facts == nil {
		state.Facts = make(map[string]FactRecord)
	}
	if state.Embeddings == nil {
		state.Embeddings = make(map[string][]float32)
	}
	return &LongTerm{
		user:       user,
		llm:        llmProvider,
		embedder:   embedder,
		store:      store,
		metrics:    observe.DefaultMetrics(),
		facts:      state.Facts,
		notepad:    state.Notepad,
		topics:     state.Topics,
		embeddings: state.Embeddings,
	}, nil
}

// BuildContext assembles the cross-session context for a query: flattened
// facts, the truncated notepad, and up to k retrieved topics above the
// long-term threshold. Pass k <= 0 for the default of 3.
func (l *LongTerm) BuildContext(ctx context.Context, query string, k int) (*LongTermContext, error) {
	if k <= 0 {
		k = longTermDefaultK
	}

	l.mu.RLock()
	facts := make([]string, 0, len(l.facts))
	for _, field := range sortedFields(l.facts) {
		facts = append(facts, fmt.Sprintf("%s: %s", field, l.facts[field].Value))
	}
	notepad := l.notepad
	topics := append([]*Topic(nil), l.topics...)
	embs := make(map[string][]float32, len(l.embeddings))
	for id, e := range l.embeddings {
		embs[id] = e
	}
	l.mu.RUnlock()

	// Character limit, not bytes: a multi-byte rune at the boundary must not
	// be split into invalid UTF-8.
	if runes := []rune(notepad); len(runes) > notepadContextLimit {
		notepad = string(runes[:notepadContextLimit]) + "..."
	}

	relevant, err := RelevantTopics(ctx, l.embedder, query, topics, embs, k, longTermThreshold)
	if err != nil {
		return nil, err
	}
	l.metrics.RecordRetrieval(ctx, "long_term", len(relevant))

	return &LongTermContext{
		Facts:          facts,
		Notepad:        notepad,
		RelevantTopics: relevant,
	}, nil
}

// SaveFacts upserts extracted facts keyed by field, clamping importance into
// [1,10] and stamping the update time. Blank values are discarded. The table
// is pruned and persisted afterwards.
func (l *LongTerm) SaveFacts(ctx context.Context, facts Facts) error {
	if len(facts.Facts) == 0 {
		return nil
	}

	now := time.Now().UTC()
	l.mu.Lock()
	saved := 0
	for _, f := range facts.Facts {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		importance := f.Importance
		if importance < 1 {
			importance = 1
		}
		if importance > 10 {
			importance = 10
		}
		l.facts[f.Field] = FactRecord{Value: value, Importance: importance, UpdatedAt: now}
		saved++
	}
	l.pruneFactsLocked(now)
	snapshot := make(map[string]FactRecord, len(l.facts))
	for field, rec := range l.facts {
		snapshot[field] = rec
	}
	l.mu.Unlock()

	l.metrics.FactsSaved.Add(ctx, int64(saved))
	return l.store.SaveFacts(ctx, snapshot)
}

// pruneFactsLocked drops stale low-importance facts. A fact survives when its
// importance is at least factKeepImportance, its timestamp is within
// factMaxAgeDays of now, or its timestamp is missing entirely. The last case
// fails open: data is never silently dropped over a bad timestamp.
// Caller holds l.mu.
func (l *LongTerm) pruneFactsLocked(now time.Time) {
	cutoff := now.Add(-factMaxAgeDays * 24 * time.Hour)
	for field, rec := range l.facts {
		if rec.Importance >= factKeepImportance {
			continue
		}
		if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(l.facts, field)
	}
}

// UpdateNotepad is the reflective step at session end. It gathers the last
// ten corpus topics with at least two messages; shorter topics are noise and
// excluded. With no qualifying topics the notepad is left untouched and no
// model call is made. A parse failure is non-fatal: the previous notepad is
// kept and the failure logged, never raised.
func (l *LongTerm) UpdateNotepad(ctx context.Context) error {
	l.mu.RLock()
	recent := l.topics
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	var substantial []*Topic
	for _, t := range recent {
		if len(t.Messages) >= 2 {
			substantial = append(substantial, t)
		}
	}
	current := l.notepad
	l.mu.RUnlock()

	if len(substantial) == 0 {
		return nil
	}

	if len(substantial) > 5 {
		substantial = substantial[len(substantial)-5:]
	}
	lines := make([]string, len(substantial))
	for i, t := range substantial {
		lines[i] = fmt.Sprintf("- %s: %s", t.Name, t.Summary)
	}

	prompt := NotepadUpdatePrompt(current, strings.Join(lines, "\n"))
	update, err := structured.Generate[NotepadUpdate](ctx, l.llm, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		observe.Logger(ctx).Warn("notepad update failed, keeping current notepad", "user", l.user, "err", err)
		l.metrics.RecordDegradation(ctx, "notepad_update")
		return nil
	}

	l.mu.Lock()
	l.notepad = update.UpdatedNotepad
	l.mu.Unlock()

	l.maybeCompressNotepad(ctx)

	l.mu.RLock()
	notepad := l.notepad
	l.mu.RUnlock()
	return l.store.SaveNotepad(ctx, notepad)
}

// maybeCompressNotepad rewrites the notepad to a denser form when it has
// grown past notepadCompressChars. Compression failure keeps the long form.
func (l *LongTerm) maybeCompressNotepad(ctx context.Context) {
	l.mu.RLock()
	notepad := l.notepad
	l.mu.RUnlock()
	if utf8.RuneCountInString(notepad) <= notepadCompressChars {
		return
	}

	update, err := structured.Generate[NotepadUpdate](ctx, l.llm, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: CompressNotepadPrompt(notepad)}},
	})
	if err != nil {
		observe.Logger(ctx).Warn("notepad compression failed, keeping long form", "user", l.user, "err", err)
		l.metrics.RecordDegradation(ctx, "notepad_compress")
		return
	}

	l.mu.Lock()
	l.notepad = update.UpdatedNotepad
	l.mu.Unlock()
}

// AdoptTopics merges closed topics and their embeddings into the global
// corpus, then rewrites the full topic list and embedding table through the
// store. Topics arriving without embeddings get them computed lazily from
// their summary or name, in a single batched provider call; a topic whose
// text is blank or whose embedding fails stays unsearchable but is kept in
// the corpus.
func (l *LongTerm) AdoptTopics(ctx context.Context, topics []*Topic, embs map[string][]float32) error {
	if len(topics) == 0 {
		return nil
	}

	var missingIDs []string
	var missingTexts []string

	l.mu.Lock()
	for _, incoming := range topics {
		// Adopt a copy: after hand-off the session's topic and the corpus
		// entry must not share mutable state.
		t := incoming.Clone()
		l.topics = append(l.topics, t)
		if t.ID == "" {
			continue
		}
		if emb, ok := embs[t.ID]; ok && emb != nil {
			l.embeddings[t.ID] = emb
			continue
		}
		text := EmbeddingText(t)
		if strings.TrimSpace(text) == "" {
			continue
		}
		missingIDs = append(missingIDs, t.ID)
		missingTexts = append(missingTexts, text)
	}
	l.mu.Unlock()

	if len(missingIDs) > 0 {
		vecs, err := l.embedder.EmbedBatch(ctx, missingTexts)
		if err != nil {
			observe.Logger(ctx).Warn("adopt topics: batch embedding failed, topics will be unsearchable", "topics", len(missingIDs), "err", err)
			l.metrics.RecordDegradation(ctx, "adopt_embedding")
		} else {
			l.mu.Lock()
			for i, id := range missingIDs {
				if i < len(vecs) && vecs[i] != nil {
					l.embeddings[id] = vecs[i]
				}
			}
			l.mu.Unlock()
		}
	}

	l.mu.RLock()
	allTopics := append([]*Topic(nil), l.topics...)
	allEmbs := make(map[string][]float32, len(l.embeddings))
	for id, e := range l.embeddings {
		allEmbs[id] = e
	}
	l.mu.RUnlock()

	return l.store.SaveTopics(ctx, allTopics, allEmbs)
}

// Clear wipes the selected parts of long-term memory, both in memory and in
// the store.
func (l *LongTerm) Clear(ctx context.Context, scope ClearScope) error {
	l.mu.Lock()
	if scope.Facts {
		l.facts = make(map[string]FactRecord)
	}
	if scope.Topics {
		l.topics = nil
		l.embeddings = make(map[string][]float32)
	}
	if scope.Notepad {
		l.notepad = ""
	}
	l.mu.Unlock()
	return l.store.Clear(ctx, scope)
}

// Facts returns a copy of the stored facts table.
func (l *LongTerm) Facts() map[string]FactRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]FactRecord, len(l.facts))
	for field, rec := range l.facts {
		out[field] = rec
	}
	return out
}

// Notepad returns the current full notepad text.
func (l *LongTerm) Notepad() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notepad
}

// sortedFields returns the fact field names in lexical order so context
// assembly is deterministic.
func sortedFields(facts map[string]FactRecord) []string {
	fields := make([]string, 0, len(facts))
	for f := range facts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
