package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	"github.com/mnemo-ai/mnemo/pkg/structured"
)

// maxTopicChars is the forced-closure size cap for a single topic.
// Approximate tokens: ~4 chars per token, so 25k chars stays safely inside a
// model context window.
const maxTopicChars = 25000

// shiftSimilarityFloor is the cheap-path cutoff of boundary detection. A new
// user message whose embedding similarity to the local context exceeds this
// is treated as same-topic without consulting the LLM classifier.
const shiftSimilarityFloor = 0.45

// Short-term retrieval is stricter and smaller than long-term (0.75/2 vs
// 0.5/3) because every closed topic of the session is already listed by
// summary in the context; retrieval here revives full detail, it does not
// introduce the topic.
const (
	shortTermThreshold = 0.75
	shortTermMaxK      = 2
)

// Canned labels used when summarisation is skipped or fails. Topics carrying
// the canned summary embed from their name instead, so placeholder text never
// drives retrieval relevance.
const (
	NameEmptyTopic       = "Empty Topic"
	NameUnnamedTopic     = "Unnamed Topic"
	SummaryBriefExchange = "Brief exchange with minimal content."
	SummaryUnavailable   = "No summary available"
)

// ShortTermContext is the session-scoped slice of a prompt context.
type ShortTermContext struct {
	// RecentMessages is the live thread of the open topic, always included
	// unfiltered. Empty when no topic is open.
	RecentMessages []Message

	// ClosedSummaries lists every closed topic of the session regardless of
	// relevance, so the model can reference "that earlier topic" even when
	// retrieval missed it.
	ClosedSummaries []TopicSummary

	// RelevantTopics are the retrieved closed topics, each with its full
	// message thread.
	RelevantTopics []*Topic
}

// PendingClosure is the single-slot handoff of an asynchronously closing
// topic. At most one closure is in flight at a time; the caller must resolve
// it (Wait, then persist) before the next turn's context build so the closed
// topic's summary and embedding exist for retrieval.
type PendingClosure struct {
	topic *Topic
	done  chan struct{}
}

// Wait blocks until the summariser has finalised the topic, then returns it
// ready for persistence. Summarisation failures degrade to canned name and
// summary inside the summariser, so Wait only errors on context cancellation.
func (p *PendingClosure) Wait(ctx context.Context) (*Topic, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.topic, nil
	}
}

// ShortTerm manages the topics and messages of a single session: the one
// open topic, the session's closed topics, their embedding table, and the
// topic-boundary state machine.
//
// Turn handling is strictly sequential; the mutex exists because the summary
// goroutine of a closing topic writes the topic's derived fields and its
// embedding while the manager may concurrently read session state.
type ShortTerm struct {
	user       string
	sessionNum int

	llm      llm.Provider
	embedder embeddings.Provider
	store    SessionStore
	metrics  *observe.Metrics

	mu         sync.Mutex
	open       *Topic
	closed     []*Topic
	embeddings map[string][]float32
}

// NewShortTerm creates the short-term memory for one session. store may be
// nil to skip session persistence. No topic is opened until the first turn.
func NewShortTerm(user string, sessionNum int, llmProvider llm.Provider, embedder embeddings.Provider, store SessionStore) *ShortTerm {
	return &ShortTerm{
		user:       user,
		sessionNum: sessionNum,
		llm:        llmProvider,
		embedder:   embedder,
		store:      store,
		metrics:    observe.DefaultMetrics(),
		embeddings: make(map[string][]float32),
	}
}

// SessionNum returns the session number this memory is scoped to.
func (s *ShortTerm) SessionNum() int {
	return s.sessionNum
}

// BuildContext assembles the session-scoped context for a query: the open
// topic's live thread, a summary line per closed topic, and up to two
// retrieved closed topics with their full threads.
func (s *ShortTerm) BuildContext(ctx context.Context, query string) (*ShortTermContext, error) {
	s.mu.Lock()
	out := &ShortTermContext{}
	if s.open != nil {
		out.RecentMessages = append([]Message(nil), s.open.Messages...)
	}
	closed := append([]*Topic(nil), s.closed...)
	embs := make(map[string][]float32, len(s.embeddings))
	for id, e := range s.embeddings {
		embs[id] = e
	}
	s.mu.Unlock()

	for _, t := range closed {
		out.ClosedSummaries = append(out.ClosedSummaries, t.Summarize())
	}

	relevant, err := RelevantTopics(ctx, s.embedder, query, closed, embs, shortTermMaxK, shortTermThreshold)
	if err != nil {
		return nil, err
	}
	out.RelevantTopics = relevant
	s.metrics.RecordRetrieval(ctx, "short_term", len(relevant))
	return out, nil
}

// AddTurn records one (user message, assistant reply) pair and runs the
// topic-boundary state machine.
//
// The pair is appended to the open topic (opening one if needed), then two
// boundaries are checked in order: a semantic switch, which retroactively
// moves the triggering pair into a fresh topic, and the size cap, which
// force-closes the topic in place.
//
// When a closure needs summarisation and async is true, the summary runs in a
// goroutine and the returned PendingClosure must be resolved before the next
// context build. A synchronous or trivially short closure returns the closed
// topic directly, ready for persistence. At most one of the two returns is
// non-nil; both nil means no persistable topic closed this turn.
func (s *ShortTerm) AddTurn(ctx context.Context, userMessage, assistantResponse string, async bool) (*Topic, *PendingClosure) {
	s.mu.Lock()
	if s.open == nil {
		s.openTopicLocked(ctx)
	}
	ts := time.Now().UTC()
	s.open.Append(llm.RoleUser, userMessage, ts)
	s.open.Append(llm.RoleAssistant, assistantResponse, ts)
	s.mu.Unlock()

	if s.detectShift(ctx, userMessage) {
		s.mu.Lock()
		// The triggering pair belongs to the new topic, not the closing one.
		if len(s.open.Messages) >= 2 {
			s.open.Messages = s.open.Messages[:len(s.open.Messages)-2]
		}
		closed, pending := s.closeCurrentLocked(ctx, async, "switch")
		s.openTopicLocked(ctx)
		s.open.Append(llm.RoleUser, userMessage, ts)
		s.open.Append(llm.RoleAssistant, assistantResponse, ts)
		s.mu.Unlock()
		return closed, pending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open.CharCount() > maxTopicChars {
		// Size closure moves nothing: the thread stays intact in the closing
		// topic and the next turn lands in a fresh empty one.
		closed, pending := s.closeCurrentLocked(ctx, async, "size")
		s.openTopicLocked(ctx)
		return closed, pending
	}
	return nil, nil
}

// CloseOpenTopic force-closes any open topic synchronously. Used at session
// end, where nothing follows to overlap the summary with. Returns the closed
// topic ready for persistence, or nil if there was no open topic or it had
// no messages.
func (s *ShortTerm) CloseOpenTopic(ctx context.Context) *Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed, _ := s.closeCurrentLocked(ctx, false, "session_end")
	return closed
}

// Embedding returns the stored embedding for a closed topic, if one exists.
func (s *ShortTerm) Embedding(topicID string) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emb, ok := s.embeddings[topicID]
	return emb, ok
}

// Persist writes the session's topic state through the session store.
// A nil store makes this a no-op.
func (s *ShortTerm) Persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	closed := append([]*Topic(nil), s.closed...)
	open := s.open
	embs := make(map[string][]float32, len(s.embeddings))
	for id, e := range s.embeddings {
		embs[id] = e
	}
	s.mu.Unlock()
	return s.store.SaveSession(ctx, closed, open, embs)
}

// detectShift is the two-stage boundary check on the new user message.
//
// Stage 1 compares the message embedding against the last three messages of
// the open topic; high similarity means same topic and skips the LLM on the
// common case. Stage 2 escalates low-similarity turns to the conservative
// LLM classifier. Every failure path answers "no shift": continuity is the
// safe direction.
func (s *ShortTerm) detectShift(ctx context.Context, message string) bool {
	s.mu.Lock()
	if s.open == nil || len(s.open.Messages) < 3 {
		s.mu.Unlock()
		return false
	}
	recent := s.open.RecentMessages(3)
	parts := make([]string, len(recent))
	for i, m := range recent {
		parts[i] = m.Content
	}
	classifierInput := s.open.RecentMessages(5)
	s.mu.Unlock()

	localContext := strings.Join(parts, " ")

	messageEmb, err := embedText(ctx, s.embedder, message)
	if err != nil {
		observe.Logger(ctx).Warn("shift detection: embedding failed, assuming no shift", "err", err)
		s.metrics.RecordDegradation(ctx, "shift_detection")
		return false
	}
	contextEmb, err := embedText(ctx, s.embedder, localContext)
	if err != nil {
		observe.Logger(ctx).Warn("shift detection: embedding failed, assuming no shift", "err", err)
		s.metrics.RecordDegradation(ctx, "shift_detection")
		return false
	}

	if CosineSimilarity(messageEmb, contextEmb) > shiftSimilarityFloor {
		return false
	}

	return s.verifySwitch(ctx, message, classifierInput)
}

// verifySwitch asks the LLM classifier whether the message starts a new
// topic. Any failure is treated as "no switch".
func (s *ShortTerm) verifySwitch(ctx context.Context, message string, recent []Message) bool {
	prompt := SwitchDecisionPrompt(Thread(recent), message)
	decision, err := structured.Generate[SwitchDecision](ctx, s.llm, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		observe.Logger(ctx).Warn("shift detection: classifier failed, assuming no shift", "err", err)
		s.metrics.RecordDegradation(ctx, "switch_classifier")
		return false
	}
	return decision.Switch
}

// closeCurrentLocked closes the open topic. Caller holds s.mu.
//
// Zero-message topics are discarded without a trace. Topics with a single
// message skip summarisation: they get a canned name and summary and embed
// synchronously from the name, since the canned summary carries no retrieval
// signal. Longer topics join the closed list immediately so their presence
// never blocks the turn, and summarisation fills in name, summary, and
// embedding afterwards.
func (s *ShortTerm) closeCurrentLocked(ctx context.Context, async bool, reason string) (*Topic, *PendingClosure) {
	if s.open == nil {
		return nil, nil
	}

	topic := s.open
	topic.Close(time.Now())
	s.open = nil
	s.metrics.OpenTopics.Add(ctx, -1)

	if len(topic.Messages) == 0 {
		return nil, nil
	}
	s.metrics.RecordTopicClosed(ctx, s.user, reason)

	if len(topic.Messages) <= 1 {
		if topic.Name == "" {
			topic.Name = NameEmptyTopic
		}
		topic.Summary = SummaryBriefExchange
		name := topic.Name
		if name == "" {
			name = NameUnnamedTopic
		}
		if emb, err := embedText(ctx, s.embedder, name); err != nil {
			observe.Logger(ctx).Warn("close topic: embedding failed, topic will be unsearchable", "topic", topic.ID, "err", err)
			s.metrics.RecordDegradation(ctx, "close_embedding")
		} else {
			s.embeddings[topic.ID] = emb
		}
		s.closed = append(s.closed, topic)
		return topic, nil
	}

	thread := Thread(topic.Messages)
	s.closed = append(s.closed, topic)

	if !async {
		s.summarizeTopic(ctx, topic, thread)
		return topic, nil
	}

	pending := &PendingClosure{topic: topic, done: make(chan struct{})}
	// The summary outlives the turn; it must not die with the turn's context.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(pending.done)
		s.summarizeTopic(bgCtx, topic, thread)
	}()
	return nil, pending
}

// summarizeTopic generates the closed topic's name and summary, then its
// embedding. Generation failure degrades to canned text; the embedding is
// computed from the summary unless it is a canned placeholder, in which case
// the name is embedded instead.
func (s *ShortTerm) summarizeTopic(ctx context.Context, topic *Topic, thread string) {
	closure, err := structured.Generate[TopicClosure](ctx, s.llm, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: CloseTopicPrompt(thread)}},
	})
	s.mu.Lock()
	if err != nil {
		observe.Logger(ctx).Warn("close topic: summarisation failed, using fallback", "topic", topic.ID, "err", err)
		s.metrics.RecordDegradation(ctx, "summarise")
		if topic.Name == "" {
			topic.Name = NameUnnamedTopic
		}
		if topic.Summary == "" {
			topic.Summary = SummaryUnavailable
		}
	} else {
		topic.Name = closure.Label
		topic.Summary = closure.Summary
	}
	text := EmbeddingText(topic)
	s.mu.Unlock()

	emb, err := embedText(ctx, s.embedder, text)
	if err != nil {
		observe.Logger(ctx).Warn("close topic: embedding failed, topic will be unsearchable", "topic", topic.ID, "err", err)
		s.metrics.RecordDegradation(ctx, "close_embedding")
		return
	}
	s.mu.Lock()
	s.embeddings[topic.ID] = emb
	s.mu.Unlock()
}

// EmbeddingText picks the text a closed topic embeds from: the summary when
// it is real, the name when the summary is canned or empty.
func EmbeddingText(topic *Topic) string {
	switch topic.Summary {
	case "", SummaryUnavailable, SummaryBriefExchange:
		if topic.Name != "" {
			return topic.Name
		}
		return NameUnnamedTopic
	default:
		return topic.Summary
	}
}

// openTopicLocked opens a fresh topic. Caller holds s.mu.
func (s *ShortTerm) openTopicLocked(ctx context.Context) {
	s.open = NewTopic()
	s.metrics.TopicsOpened.Add(ctx, 1)
	s.metrics.OpenTopics.Add(ctx, 1)
}
