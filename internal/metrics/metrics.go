// Package metrics exposes Prometheus instrumentation for the streaming
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice streaming service.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge

	// Stream metrics
	ActiveStreams     prometheus.Gauge
	StreamsStarted    prometheus.Counter
	StreamsCompleted  prometheus.Counter
	StreamsStopped    prometheus.Counter
	StreamsErrored    prometheus.Counter
	StreamsSuperseded prometheus.Counter
	StreamDuration    prometheus.Histogram
	FramesSent        prometheus.Counter

	// Client feedback metrics
	FeedbackReports prometheus.Counter
	ClientBufferMs  prometheus.Histogram

	// Conversation metrics
	ChatTurns             prometheus.Counter
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "verba_active_connections",
			Help: "Number of currently connected websocket clients",
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "verba_active_streams",
			Help: "Number of currently active audio streams",
		}),
		StreamsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_streams_started_total",
			Help: "Total number of audio streams started",
		}),
		StreamsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_streams_completed_total",
			Help: "Total number of audio streams that ran to completion",
		}),
		StreamsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_streams_stopped_total",
			Help: "Total number of audio streams cancelled by the client",
		}),
		StreamsErrored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_streams_errored_total",
			Help: "Total number of audio streams terminated by an error",
		}),
		StreamsSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_streams_superseded_total",
			Help: "Total number of audio streams replaced by a newer start request",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "verba_stream_duration_seconds",
			Help:    "Wall-clock duration of audio streams",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_frames_sent_total",
			Help: "Total number of PCM frames delivered to clients",
		}),
		FeedbackReports: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_feedback_reports_total",
			Help: "Total number of buffer status reports received from clients",
		}),
		ClientBufferMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "verba_client_buffer_ms",
			Help:    "Client-reported playback buffer size in milliseconds",
			Buckets: []float64{0, 20, 50, 100, 200, 400, 800, 1600},
		}),
		ChatTurns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_chat_turns_total",
			Help: "Total number of conversation turns processed",
		}),
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_transcription_requests_total",
			Help: "Total number of voice transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verba_transcription_failures_total",
			Help: "Total number of failed voice transcription requests",
		}),
	}
}
