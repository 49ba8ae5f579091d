// Package observe provides application-wide observability primitives for
// Mnemo: OpenTelemetry metrics, distributed tracing, and structured logging
// helpers that tie them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Mnemo metrics.
const meterName = "github.com/mnemo-ai/mnemo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end latency of a single chat turn.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// EmbedDuration tracks embedding computation latency.
	EmbedDuration metric.Float64Histogram

	// --- Counters ---

	// TopicsOpened counts topics opened. Use with attribute:
	//   attribute.String("user", ...)
	TopicsOpened metric.Int64Counter

	// TopicsClosed counts topics closed. Use with attributes:
	//   attribute.String("user", ...), attribute.String("reason", ...)
	TopicsClosed metric.Int64Counter

	// FactsSaved counts user facts written to long-term memory.
	FactsSaved metric.Int64Counter

	// RetrievalResults counts topics returned by similarity retrieval. Use
	// with attribute: attribute.String("tier", "short_term"|"long_term")
	RetrievalResults metric.Int64Counter

	// Degradations counts graceful-degradation events where a model failure
	// was absorbed and a fallback was used. Use with attribute:
	//   attribute.String("stage", ...)
	Degradations metric.Int64Counter

	// --- Gauges ---

	// OpenTopics tracks the number of currently open topics across sessions.
	OpenTopics metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-turn latencies dominated by model round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("mnemo.turn.duration",
		metric.WithDescription("End-to-end latency of a single chat turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("mnemo.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("mnemo.embed.duration",
		metric.WithDescription("Latency of embedding computation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TopicsOpened, err = m.Int64Counter("mnemo.topics.opened",
		metric.WithDescription("Total topics opened by user."),
	); err != nil {
		return nil, err
	}
	if met.TopicsClosed, err = m.Int64Counter("mnemo.topics.closed",
		metric.WithDescription("Total topics closed by user and reason."),
	); err != nil {
		return nil, err
	}
	if met.FactsSaved, err = m.Int64Counter("mnemo.facts.saved",
		metric.WithDescription("Total user facts written to long-term memory."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalResults, err = m.Int64Counter("mnemo.retrieval.results",
		metric.WithDescription("Total topics returned by similarity retrieval by tier."),
	); err != nil {
		return nil, err
	}
	if met.Degradations, err = m.Int64Counter("mnemo.degradations",
		metric.WithDescription("Total graceful-degradation events by pipeline stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenTopics, err = m.Int64UpDownCounter("mnemo.open_topics",
		metric.WithDescription("Number of currently open topics across sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("mnemo.active_sessions",
		metric.WithDescription("Number of live chat sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTopicClosed is a convenience method that records a topic-closed
// counter increment with the standard attribute set.
func (m *Metrics) RecordTopicClosed(ctx context.Context, user, reason string) {
	m.TopicsClosed.Add(ctx, 1,
		metric.WithAttributes(Attr("user", user), Attr("reason", reason)),
	)
}

// RecordDegradation is a convenience method that records a degradation
// counter increment for the given pipeline stage.
func (m *Metrics) RecordDegradation(ctx context.Context, stage string) {
	m.Degradations.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordRetrieval is a convenience method that records the number of topics
// returned by a retrieval pass for the given memory tier.
func (m *Metrics) RecordRetrieval(ctx context.Context, tier string, count int) {
	m.RetrievalResults.Add(ctx, int64(count), metric.WithAttributes(Attr("tier", tier)))
}
