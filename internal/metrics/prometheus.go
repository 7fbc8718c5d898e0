package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/kiosk-audio-service/internal/audio"
	apperrors "github.com/skypro1111/kiosk-audio-service/internal/errors"
)

// Metrics contains all Prometheus metrics for the kiosk audio service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingest metrics
	BytesReceived    *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	IngestErrors     *prometheus.CounterVec

	// Connection metrics
	ActiveConnections   prometheus.Gauge
	ConnectionsOpened   prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionDuration  prometheus.Histogram

	// Pipeline metrics
	QueueDepth          *prometheus.GaugeVec
	DecoderWorkers      prometheus.Gauge
	DecoderTerminations *prometheus.CounterVec
	ChunksQueued        prometheus.Counter
	ChunksDropped       prometheus.Counter
	HistoryEvicted      prometheus.Counter
	DetectorFailures    prometheus.Counter
	DetectDuration      prometheus.Histogram

	// Segment metrics
	SegmentsEmitted   prometheus.Counter
	SegmentsDropped   *prometheus.CounterVec
	SegmentDuration   prometheus.Histogram
	SegmentsDelivered *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

var _ audio.Observer = (*Metrics)(nil)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_ingest_bytes_total",
			Help: "Total encoded audio bytes received",
		}, []string{"transport"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_ingest_messages_total",
			Help: "Total transport messages received",
		}, []string{"transport", "kind"}),
		IngestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_ingest_errors_total",
			Help: "Total ingest errors by transport and reason",
		}, []string{"transport", "reason"}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiosk_active_connections",
			Help: "Current number of client connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_connections_opened_total",
			Help: "Total number of connections opened",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_connections_closed_total",
			Help: "Total number of connections closed",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_connections_rejected_total",
			Help: "Total number of connections rejected at the limit",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_connection_duration_seconds",
			Help:    "Lifetime of client connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiosk_queue_depth",
			Help: "Items waiting in each pipeline queue, summed over connections",
		}, []string{"queue"}),
		DecoderWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kiosk_decoder_workers",
			Help: "Decode workers that have not exited",
		}),
		DecoderTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_decoder_terminations_total",
			Help: "Decoders that stopped, by outcome",
		}, []string{"outcome"}),
		ChunksQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_chunks_queued_total",
			Help: "Chunks handed to the detector queue",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_chunks_dropped_total",
			Help: "Chunks dropped because the detector queue was full",
		}),
		HistoryEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_history_evicted_samples_total",
			Help: "Samples evicted from history buffers on overflow",
		}),
		DetectorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_detector_failures_total",
			Help: "Detector calls that returned an error",
		}),
		DetectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_detect_duration_seconds",
			Help:    "Time spent in one detector call",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),

		SegmentsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_segments_emitted_total",
			Help: "Speech segments finalized",
		}),
		SegmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_segments_dropped_total",
			Help: "Speech segments dropped, by reason",
		}, []string{"reason"}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_segment_duration_seconds",
			Help:    "Duration of finalized speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		SegmentsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_segments_delivered_total",
			Help: "Segments handed to each sink",
		}, []string{"sink"}),
		SinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_sink_errors_total",
			Help: "Segment sink failures",
		}, []string{"sink"}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kiosk_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordBytesReceived counts an ingest message and its payload size.
func (m *Metrics) RecordBytesReceived(transport, kind string, n int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(transport, kind).Inc()
	if n > 0 {
		m.BytesReceived.WithLabelValues(transport).Add(float64(n))
	}
}

// RecordIngestError counts a transport-level failure.
func (m *Metrics) RecordIngestError(transport, reason string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(transport, reason).Inc()
}

// SetActiveConnections sets the current number of connections.
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordConnectionOpened increments the connections opened counter.
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
}

// RecordConnectionClosed counts a closed connection and its lifetime.
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordConnectionRejected counts a connection refused at the limit.
func (m *Metrics) RecordConnectionRejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// SetQueueDepth sets the summed depth of one named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetDecoderWorkers sets the number of live decode workers.
func (m *Metrics) SetDecoderWorkers(count int64) {
	if m == nil {
		return
	}
	m.DecoderWorkers.Set(float64(count))
}

// RecordDecoderTermination counts a decoder that stopped with outcome
// "eof", "terminal" or "leak".
func (m *Metrics) RecordDecoderTermination(outcome string) {
	if m == nil {
		return
	}
	m.DecoderTerminations.WithLabelValues(outcome).Inc()
}

// RecordDetect records one detector call.
func (m *Metrics) RecordDetect(durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.DetectDuration.Observe(durationSeconds)
	if failed {
		m.DetectorFailures.Inc()
	}
}

// ChunkQueued implements audio.Observer.
func (m *Metrics) ChunkQueued() {
	if m == nil {
		return
	}
	m.ChunksQueued.Inc()
}

// ChunkDropped implements audio.Observer.
func (m *Metrics) ChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// HistoryOverflow implements audio.Observer.
func (m *Metrics) HistoryOverflow(samples int) {
	if m == nil {
		return
	}
	m.HistoryEvicted.Add(float64(samples))
}

// SegmentEmitted implements audio.Observer.
func (m *Metrics) SegmentEmitted(seg audio.AudioSegment) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(seg.Duration().Seconds())
}

// SegmentDropped implements audio.Observer.
func (m *Metrics) SegmentDropped(reason apperrors.Code) {
	if m == nil {
		return
	}
	m.SegmentsDropped.WithLabelValues(string(reason)).Inc()
}

// RecordSegmentDelivered counts a segment handed to a sink.
func (m *Metrics) RecordSegmentDelivered(sink string, err error) {
	if m == nil {
		return
	}
	m.SegmentsDelivered.WithLabelValues(sink).Inc()
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
