// Package metrics exposes Prometheus instrumentation for the voice
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline collectors, bound to one registry so tests
// can instantiate their own.
type Metrics struct {
	registry *prometheus.Registry

	FramesCaptured    prometheus.Counter
	FramesDropped     prometheus.Counter
	AudioAppends      prometheus.Counter
	AppendsDropped    prometheus.Counter
	AudioDeltas       prometheus.Counter
	CodecErrors       prometheus.Counter
	RemoteErrors      prometheus.Counter
	Turns             prometheus.Counter
	Interruptions     prometheus.Counter
	TurnEndReasons    *prometheus.CounterVec
	ConnectionState   prometheus.Gauge
	Speaker           prometheus.Gauge
	PlaybackQueue     prometheus.Gauge
	ResponseLatency   prometheus.Histogram
	TurnDuration      prometheus.Histogram
	InterruptionDelay prometheus.Histogram
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_frames_captured_total",
			Help: "Microphone frames pulled from the capture source.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_frames_dropped_total",
			Help: "Capture frames dropped because the pipeline stalled.",
		}),
		AudioAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_audio_appends_total",
			Help: "Audio chunks appended to the remote input buffer.",
		}),
		AppendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_audio_appends_dropped_total",
			Help: "Audio appends discarded under outbound backpressure.",
		}),
		AudioDeltas: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_audio_deltas_total",
			Help: "Assistant audio chunks received.",
		}),
		CodecErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_codec_errors_total",
			Help: "Inbound audio chunks dropped as malformed.",
		}),
		RemoteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_remote_errors_total",
			Help: "Error events received from the remote endpoint.",
		}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_turns_total",
			Help: "Speaker transitions granted by the turn coordinator.",
		}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicepipe_interruptions_total",
			Help: "Assistant turns cut short by barge-in or explicit interrupt.",
		}),
		TurnEndReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_user_turn_ends_total",
			Help: "User turn completions by end reason.",
		}, []string{"reason"}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepipe_connection_state",
			Help: "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		}),
		Speaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepipe_active_speaker",
			Help: "Current speaker: 0 none, 1 user, 2 assistant.",
		}),
		PlaybackQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicepipe_playback_queue_buffers",
			Help: "Buffers waiting in the playback queue.",
		}),
		ResponseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_response_latency_seconds",
			Help:    "Commit-to-first-audio latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_turn_duration_seconds",
			Help:    "User turn length from grant to end.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		InterruptionDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_interruption_delay_seconds",
			Help:    "Barge-in request to playback silence.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 8),
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
