package memory

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
)

// Context is the combined prompt context from both memory tiers.
type Context struct {
	ShortTerm *ShortTermContext
	LongTerm  *LongTermContext
}

// Manager composes short-term and long-term memory into one context-building
// and turn-recording facade. Its one genuinely delicate responsibility is the
// hand-off of a closing topic: summarisation may still be in flight when the
// turn ends, and the topic must be finalised and persisted before the next
// turn's context build can retrieve it.
type Manager struct {
	user      string
	shortTerm *ShortTerm
	longTerm  *LongTerm
	metrics   *observe.Metrics
}

// NewManager wires both memory tiers for one user. sessionStore may be nil.
func NewManager(ctx context.Context, user string, sessionNum int, llmProvider llm.Provider, embedder embeddings.Provider, ltStore LongTermStore, sessionStore SessionStore) (*Manager, error) {
	longTerm, err := NewLongTerm(ctx, user, llmProvider, embedder, ltStore)
	if err != nil {
		return nil, err
	}
	return &Manager{
		user:      user,
		shortTerm: NewShortTerm(user, sessionNum, llmProvider, embedder, sessionStore),
		longTerm:  longTerm,
		metrics:   observe.DefaultMetrics(),
	}, nil
}

// ShortTerm exposes the session tier.
func (m *Manager) ShortTerm() *ShortTerm { return m.shortTerm }

// LongTerm exposes the cross-session tier.
func (m *Manager) LongTerm() *LongTerm { return m.longTerm }

// BuildContext fans out both tiers' context builds concurrently. They are
// pure reads over disjoint state, so no ordering between them matters; both
// are joined before the combined context is returned.
func (m *Manager) BuildContext(ctx context.Context, query string) (*Context, error) {
	ctx, span := observe.StartSpan(ctx, "memory.BuildContext")
	defer span.End()

	out := &Context{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := m.shortTerm.BuildContext(gctx, query)
		if err != nil {
			return err
		}
		out.ShortTerm = st
		return nil
	})
	g.Go(func() error {
		lt, err := m.longTerm.BuildContext(gctx, query, longTermDefaultK)
		if err != nil {
			return err
		}
		out.LongTerm = lt
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AddTurn records one exchange in short-term memory. When the turn closes a
// topic trivially or synchronously, the topic is persisted into long-term
// memory inline and nil is returned. When the closure's summary is still in
// flight, the returned PendingClosure must be resolved via ResolvePending
// before the next turn's context build.
func (m *Manager) AddTurn(ctx context.Context, userMessage, assistantResponse string) (*PendingClosure, error) {
	closed, pending := m.shortTerm.AddTurn(ctx, userMessage, assistantResponse, true)
	if pending != nil {
		return pending, nil
	}
	if closed != nil {
		if err := m.persistClosedTopic(ctx, closed); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// ResolvePending waits for an in-flight closure's summary and embedding,
// then persists the finalised topic into long-term memory.
func (m *Manager) ResolvePending(ctx context.Context, pending *PendingClosure) error {
	if pending == nil {
		return nil
	}
	topic, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	return m.persistClosedTopic(ctx, topic)
}

// SaveFacts persists extracted facts into the long-term profile.
func (m *Manager) SaveFacts(ctx context.Context, facts Facts) error {
	return m.longTerm.SaveFacts(ctx, facts)
}

// EndSession force-closes any open topic synchronously, persists it, writes
// the session state, and runs the notepad reflection. Closure is synchronous
// because the process is about to exit; there is nothing left to overlap
// the summary with.
func (m *Manager) EndSession(ctx context.Context) error {
	if closed := m.shortTerm.CloseOpenTopic(ctx); closed != nil {
		if err := m.persistClosedTopic(ctx, closed); err != nil {
			return err
		}
	}
	if err := m.shortTerm.Persist(ctx); err != nil {
		observe.Logger(ctx).Warn("session persist failed", "user", m.user, "err", err)
	}
	return m.longTerm.UpdateNotepad(ctx)
}

// persistClosedTopic hands one closed topic from session scope to durable
// scope. Zero-message topics are a no-op; they never reach the corpus.
func (m *Manager) persistClosedTopic(ctx context.Context, topic *Topic) error {
	if topic == nil || len(topic.Messages) == 0 {
		return nil
	}
	embs := map[string][]float32{}
	if emb, ok := m.shortTerm.Embedding(topic.ID); ok {
		embs[topic.ID] = emb
	}
	start := time.Now()
	err := m.longTerm.AdoptTopics(ctx, []*Topic{topic}, embs)
	if err == nil {
		observe.Logger(ctx).Debug("closed topic persisted",
			"user", m.user,
			"topic", topic.ID,
			"name", topic.Name,
			"took", time.Since(start),
		)
	}
	return err
}
