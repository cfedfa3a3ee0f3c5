// Package observe provides application-wide observability primitives for
// callwarden: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is wired via [InitProvider] so that metrics can be scraped from
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callwarden metrics.
const meterName = "github.com/bbbikngman/callwarden"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM reply generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Wire counters ---

	// PacketsReceived counts inbound datagrams. Use with attribute:
	//   attribute.String("type", ...)
	PacketsReceived metric.Int64Counter

	// MalformedPackets counts datagrams dropped by the wire codec.
	MalformedPackets metric.Int64Counter

	// UnknownPackets counts datagrams with an unrecognised type byte.
	UnknownPackets metric.Int64Counter

	// CodecErrors counts ADPCM payloads dropped as malformed.
	CodecErrors metric.Int64Counter

	// FragmentsSent counts outbound TTS fragments.
	FragmentsSent metric.Int64Counter

	// --- Session counters ---

	// Greetings counts greeting utterances enqueued for new clients.
	Greetings metric.Int64Counter

	// Migrations counts source-port migrations of existing clients.
	Migrations metric.Int64Counter

	// Supersessions counts queued utterances overwritten by fresher speech.
	Supersessions metric.Int64Counter

	// Interruptions counts reply sends aborted by fresh user speech.
	Interruptions metric.Int64Counter

	// Reaps counts clients removed by the idle reaper.
	Reaps metric.Int64Counter

	// RejectedClients counts new IPs turned away at the registry soft cap.
	RejectedClients metric.Int64Counter

	// FlaggedKeywords counts fraud indicator hits in user utterances.
	FlaggedKeywords metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts collaborator failures. Use with attribute:
	//   attribute.String("kind", "stt"|"llm"|"tts")
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveClients tracks the number of logical clients in the registry.
	ActiveClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("callwarden.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("callwarden.llm.duration",
		metric.WithDescription("Latency of LLM reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("callwarden.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Wire counters.
	if met.PacketsReceived, err = m.Int64Counter("callwarden.packets.received",
		metric.WithDescription("Total inbound datagrams by packet type."),
	); err != nil {
		return nil, err
	}
	if met.MalformedPackets, err = m.Int64Counter("callwarden.packets.malformed",
		metric.WithDescription("Total datagrams dropped by the wire codec."),
	); err != nil {
		return nil, err
	}
	if met.UnknownPackets, err = m.Int64Counter("callwarden.packets.unknown",
		metric.WithDescription("Total datagrams with an unrecognised type byte."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("callwarden.adpcm.errors",
		metric.WithDescription("Total ADPCM payloads dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsSent, err = m.Int64Counter("callwarden.fragments.sent",
		metric.WithDescription("Total outbound TTS fragments."),
	); err != nil {
		return nil, err
	}

	// Session counters.
	if met.Greetings, err = m.Int64Counter("callwarden.greetings",
		metric.WithDescription("Total greeting utterances enqueued for new clients."),
	); err != nil {
		return nil, err
	}
	if met.Migrations, err = m.Int64Counter("callwarden.migrations",
		metric.WithDescription("Total source-port migrations of existing clients."),
	); err != nil {
		return nil, err
	}
	if met.Supersessions, err = m.Int64Counter("callwarden.supersessions",
		metric.WithDescription("Total queued utterances overwritten by fresher speech."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("callwarden.interruptions",
		metric.WithDescription("Total reply sends aborted by fresh user speech."),
	); err != nil {
		return nil, err
	}
	if met.Reaps, err = m.Int64Counter("callwarden.reaps",
		metric.WithDescription("Total clients removed by the idle reaper."),
	); err != nil {
		return nil, err
	}
	if met.RejectedClients, err = m.Int64Counter("callwarden.clients.rejected",
		metric.WithDescription("Total new IPs turned away at the registry soft cap."),
	); err != nil {
		return nil, err
	}
	if met.FlaggedKeywords, err = m.Int64Counter("callwarden.fraud.flags",
		metric.WithDescription("Total fraud indicator hits in user utterances."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("callwarden.provider.errors",
		metric.WithDescription("Total collaborator failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("callwarden.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveClients, err = m.Int64UpDownCounter("callwarden.active_clients",
		metric.WithDescription("Number of logical clients in the registry."),
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

// RecordPacket records an inbound datagram with its wire type name.
func (m *Metrics) RecordPacket(ctx context.Context, typeName string) {
	m.PacketsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typeName)),
	)
}

// RecordProviderError records a collaborator failure with the standard
// attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
