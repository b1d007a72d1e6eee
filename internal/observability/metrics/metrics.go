// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_live"

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsFailed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Capture metrics
	FramesCaptured prometheus.Counter
	InputLevel     prometheus.Gauge

	// Transport metrics
	FramesSent       prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	AudioBytesSent   prometheus.Counter
	ConnectionState  prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	HandshakesSent   *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	DuplicateDropped prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	ServerBusy       prometheus.Counter
	RoundTripLatency prometheus.Histogram

	// Transcript metrics
	TranscriptsPartial  prometheus.Counter
	TranscriptsFinal    prometheus.Counter
	RevisionsAfterFinal prometheus.Counter
	SpokenWords         prometheus.Gauge
	WordsPerMinute      prometheus.Gauge

	// Parameter channel metrics
	ParameterRequests *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT backend metrics
	STTErrors         *prometheus.CounterVec
	GRPCClientCalls   *prometheus.CounterVec
	GRPCClientLatency *prometheus.HistogramVec

	// Backpressure metrics
	SessionLimitExceeded *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by a fatal error",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_captured_total",
			Help:      "Total audio frames produced by the capture pipeline",
		}),
		InputLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_input_level",
			Help:      "Most recent normalised RMS input level",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total audio frames written to the socket",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames discarded before sending",
		}, []string{"reason"}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total encoded audio bytes written to the socket",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 handshake sent, 3 connected, 4 error)",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total connection attempts",
		}, []string{"mode", "result"}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Total reconnect attempts scheduled after an unintentional close",
		}),
		HandshakesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_sent_total",
			Help:      "Total handshake or init messages sent",
		}, []string{"mode"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound server messages by type",
		}, []string{"mode", "type"}),
		DuplicateDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_dropped_total",
			Help:      "Total transcription messages dropped by message id dedup",
		}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total inbound messages that could not be parsed",
		}, []string{"mode"}),
		ServerBusy: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_busy_total",
			Help:      "Total WAIT advisories received",
		}),
		RoundTripLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_latency_seconds",
			Help:      "Time from last audio send to server message receipt",
			Buckets:   []float64{0.025, 0.05, 0.08, 0.1, 0.12, 0.2, 0.3, 0.5, 1, 2, 5},
		}),

		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),
		RevisionsAfterFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revisions_after_final_total",
			Help:      "Total segment changes accepted after the segment was final",
		}),
		SpokenWords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spoken_words",
			Help:      "Words in final segments of the current session",
		}),
		WordsPerMinute: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "words_per_minute",
			Help:      "Speaking rate of the current session",
		}),

		ParameterRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parameter_requests_total",
			Help:      "Total parameter side-channel requests",
		}, []string{"op", "result"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of errors surfaced by STT backends",
		}, []string{"provider", "error_type"}),
		GRPCClientCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_client_calls_total",
			Help:      "Total outgoing gRPC calls by method and status code",
		}, []string{"method", "code"}),
		GRPCClientLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_client_latency_seconds",
			Help:      "Outgoing gRPC call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		}, []string{"method"}),

		SessionLimitExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_limit_exceeded_total",
			Help:      "Total number of times session limits were exceeded",
		}, []string{"limit_type"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending. reason is empty for a clean stop.
func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
	if reason != "" {
		m.SessionsFailed.WithLabelValues(reason).Inc()
	}
}

// RecordFrameSent records one encoded frame written to the socket.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.FramesSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordFrameDropped records a frame discarded before sending.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordConnectAttempt records the outcome of a dial.
func (m *Metrics) RecordConnectAttempt(mode, result string) {
	m.ConnectAttempts.WithLabelValues(mode, result).Inc()
}

// RecordMessage records an inbound message of the given type.
func (m *Metrics) RecordMessage(mode, msgType string) {
	m.MessagesReceived.WithLabelValues(mode, msgType).Inc()
}

// RecordLatency records a raw round-trip latency measurement.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.RoundTripLatency.Observe(d.Seconds())
}

// RecordTranscript records a partial or final transcript.
func (m *Metrics) RecordTranscript(final bool) {
	if final {
		m.TranscriptsFinal.Inc()
	} else {
		m.TranscriptsPartial.Inc()
	}
}

// RecordParameterRequest records a parameter side-channel request.
func (m *Metrics) RecordParameterRequest(op, result string) {
	m.ParameterRequests.WithLabelValues(op, result).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT backend error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordGRPCCall records an outgoing gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string, latency time.Duration) {
	m.GRPCClientCalls.WithLabelValues(method, code).Inc()
	m.GRPCClientLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// RecordLimitExceeded records when a session limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.SessionLimitExceeded.WithLabelValues(limitType).Inc()
}
