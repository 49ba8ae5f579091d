package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
)

// CosineSimilarity computes the normalised dot product of two vectors.
//
// Vectors of mismatched length and vectors with a zero norm (the embedding of
// blank text) return -1, which sits below every retrieval threshold, so such
// comparisons never match instead of propagating NaN.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// embedText wraps the embedding provider with the blank-text rule: blank
// input maps to a zero vector of the provider's dimension without a provider
// call. Zero vectors compare as non-matching in CosineSimilarity, so blank
// text never retrieves anything.
func embedText(ctx context.Context, provider embeddings.Provider, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, provider.Dimensions()), nil
	}
	start := time.Now()
	vec, err := provider.Embed(ctx, text)
	observe.DefaultMetrics().EmbedDuration.Record(ctx, time.Since(start).Seconds())
	return vec, err
}

// RelevantTopics returns up to maxK topics whose embedding similarity to
// query strictly exceeds threshold, ranked descending by similarity. Equal
// scores keep encounter order. Topics without an entry in embeddings are
// skipped; their summary may still be in flight.
//
// A blank query or an empty topic collection short-circuits to nil without
// touching the embedding provider.
func RelevantTopics(
	ctx context.Context,
	provider embeddings.Provider,
	query string,
	topics []*Topic,
	embeddings map[string][]float32,
	maxK int,
	threshold float64,
) ([]*Topic, error) {
	if len(topics) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	queryEmb, err := embedText(ctx, provider, query)
	if err != nil {
		return nil, err
	}

	type scored struct {
		sim   float64
		topic *Topic
	}
	scores := make([]scored, 0, len(topics))
	for _, t := range topics {
		emb, ok := embeddings[t.ID]
		if !ok {
			continue
		}
		scores = append(scores, scored{sim: CosineSimilarity(queryEmb, emb), topic: t})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].sim > scores[j].sim
	})

	var result []*Topic
	for _, s := range scores {
		if s.sim <= threshold {
			continue
		}
		result = append(result, s.topic)
		if len(result) == maxK {
			break
		}
	}
	return result, nil
}
