// Package agent drives the conversation loop: it builds prompt context from
// both memory tiers, generates the reply, extracts user facts, and records
// the turn, pipelining these steps concurrently where they do not depend on
// each other.
package agent

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemo-ai/mnemo/internal/memory"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	"github.com/mnemo-ai/mnemo/pkg/structured"
)

// Agent handles a user's conversation and keeps its memory current.
type Agent struct {
	user    string
	llm     llm.Provider
	memory  *memory.Manager
	metrics *observe.Metrics

	// pending is the single-slot handoff of the previous turn's asynchronous
	// topic closure. It is resolved at the top of the next turn, before the
	// context build, so the closed topic's summary and embedding exist for
	// retrieval. SingleTurnChat is not safe for concurrent calls; turns are
	// strictly sequential.
	pending *memory.PendingClosure
}

// New creates an Agent for one user on top of an assembled memory manager.
func New(user string, llmProvider llm.Provider, mgr *memory.Manager) *Agent {
	return &Agent{
		user:    user,
		llm:     llmProvider,
		memory:  mgr,
		metrics: observe.DefaultMetrics(),
	}
}

// SingleTurnChat handles one turn of chat and updates memory.
//
// Pipeline, in order of dependency rather than code order:
//
//  1. Resolve the previous turn's pending topic closure, if any.
//  2. Start fact extraction concurrently; its result is not needed until
//     after the reply.
//  3. Build context from both memory tiers and generate the reply.
//  4. Record the turn; a topic closing here summarises in the background and
//     is resolved at the top of the next turn (or at session end).
//  5. Join fact extraction and save any facts.
//
// Memory bookkeeping failures rank strictly below conversational
// responsiveness: once a reply exists, bookkeeping errors are logged and the
// reply is still returned.
func (a *Agent) SingleTurnChat(ctx context.Context, userMessage string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "agent.SingleTurnChat")
	defer span.End()
	start := time.Now()
	defer func() {
		a.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if err := a.memory.ResolvePending(ctx, a.pending); err != nil {
		return "", fmt.Errorf("agent: resolve pending closure: %w", err)
	}
	a.pending = nil

	var facts memory.Facts
	var factsErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Degradation only: a failed extraction costs a fact, not the turn.
		facts, factsErr = a.extractFacts(gctx, userMessage)
		return nil
	})

	mctx, err := a.memory.BuildContext(ctx, userMessage)
	if err != nil {
		g.Wait()
		return "", fmt.Errorf("agent: build context: %w", err)
	}

	reply, err := a.generateReply(ctx, mctx, userMessage)
	if err != nil {
		g.Wait()
		return "", fmt.Errorf("agent: generate reply: %w", err)
	}

	g.Wait()

	pending, err := a.memory.AddTurn(ctx, userMessage, reply)
	if err != nil {
		observe.Logger(ctx).Warn("turn recording failed, reply delivered anyway", "user", a.user, "err", err)
		a.metrics.RecordDegradation(ctx, "add_turn")
	}
	a.pending = pending

	if factsErr != nil {
		observe.Logger(ctx).Warn("fact extraction failed, no facts saved this turn", "user", a.user, "err", factsErr)
		a.metrics.RecordDegradation(ctx, "extract_facts")
	} else if len(facts.Facts) > 0 {
		if err := a.memory.SaveFacts(ctx, facts); err != nil {
			observe.Logger(ctx).Warn("fact save failed", "user", a.user, "err", err)
			a.metrics.RecordDegradation(ctx, "save_facts")
		}
	}

	return reply, nil
}

// EndSession resolves any in-flight closure, then closes the session: the
// open topic is force-closed synchronously, persisted, and the notepad
// reflection runs.
func (a *Agent) EndSession(ctx context.Context) error {
	if err := a.memory.ResolvePending(ctx, a.pending); err != nil {
		return fmt.Errorf("agent: resolve pending closure: %w", err)
	}
	a.pending = nil
	return a.memory.EndSession(ctx)
}

// extractFacts asks the model for durable user facts in this message.
func (a *Agent) extractFacts(ctx context.Context, userMessage string) (memory.Facts, error) {
	return structured.Generate[memory.Facts](ctx, a.llm, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: memory.ExtractFactsPrompt(userMessage, ""),
		}},
	})
}

// generateReply renders the context into a prompt and completes it.
func (a *Agent) generateReply(ctx context.Context, mctx *memory.Context, query string) (string, error) {
	start := time.Now()
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: BuildPrompt(mctx, query)}},
	})
	a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
