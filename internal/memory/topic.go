// Package memory implements the conversational memory engine: topic
// segmentation inside a live session, asynchronous topic summarisation, and
// two memory tiers (short-term, scoped to the session, and long-term,
// aggregated across all of a user's sessions) with vector-similarity
// retrieval over closed topics.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a single utterance inside a topic thread.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Topic is the atomic unit of conversation memory: an ordered message thread
// plus a name and summary derived at close time.
//
// A topic transitions open → closed exactly once and is never reopened. While
// open, messages are append-only and Name/Summary stay empty. Once closed,
// Messages are immutable; only Name, Summary, and the topic's embedding may
// still be written, by the summariser that finalises the closure.
type Topic struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Summary   string     `json:"summary,omitempty"`
	Messages  []Message  `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewTopic opens a fresh topic with a generated id and no name. The name and
// summary are assigned when the topic closes.
func NewTopic() *Topic {
	return &Topic{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds a message to the thread. Must not be called after Close.
func (t *Topic) Append(role, content string, ts time.Time) {
	t.Messages = append(t.Messages, Message{Role: role, Content: content, Timestamp: ts})
}

// Close stamps the closure time. Calling Close on an already closed topic is
// a no-op, preserving the original closure time.
func (t *Topic) Close(now time.Time) {
	if t.ClosedAt != nil {
		return
	}
	closedAt := now.UTC()
	t.ClosedAt = &closedAt
}

// Closed reports whether the topic has been closed.
func (t *Topic) Closed() bool {
	return t.ClosedAt != nil
}

// CharCount is the sum of the message content lengths, used as a cheap proxy
// for the topic's context-window footprint at roughly 4 characters per token.
func (t *Topic) CharCount() int {
	total := 0
	for _, m := range t.Messages {
		total += len(m.Content)
	}
	return total
}

// RecentMessages returns the last n messages of the thread, or all of them
// when the thread is shorter than n.
func (t *Topic) RecentMessages(n int) []Message {
	if len(t.Messages) <= n {
		return t.Messages
	}
	return t.Messages[len(t.Messages)-n:]
}

// Thread renders messages as "role: content" lines for a model prompt.
func Thread(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// Clone returns a deep copy of the topic. Hand-offs across memory tiers use
// copies so the tiers never share mutable state.
func (t *Topic) Clone() *Topic {
	cp := *t
	cp.Messages = append([]Message(nil), t.Messages...)
	if t.ClosedAt != nil {
		closedAt := *t.ClosedAt
		cp.ClosedAt = &closedAt
	}
	return &cp
}

// TopicSummary is the one-line projection of a closed topic used when listing
// a session's closed topics without their full threads.
type TopicSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// Summarize projects the topic to its one-line form.
func (t *Topic) Summarize() TopicSummary {
	return TopicSummary{ID: t.ID, Name: t.Name, Summary: t.Summary}
}
