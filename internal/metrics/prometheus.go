package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture pipeline
type Metrics struct {
	// Ring buffer metrics
	SamplesWritten     prometheus.Counter
	SamplesOverwritten prometheus.Counter
	BufferFill         prometheus.Gauge

	// Capture and restart metrics
	RestartAttempts  prometheus.Counter
	RestartSuccesses prometheus.Counter
	RestartFailures  prometheus.Counter
	Capturing        prometheus.Gauge

	// Segmentation metrics
	ChunksProduced *prometheus.CounterVec
	ChunkDuration  prometheus.Histogram
	SilentChunks   prometheus.Counter

	// Queue metrics
	QueueDepth          prometheus.Gauge
	QueueInFlight       prometheus.Gauge
	QueueBacklogSeconds prometheus.Gauge
	QueueDropped        prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// Model lifecycle metrics
	ModelLoads    prometheus.Counter
	ModelUnloads  prometheus.Counter
	ModelLoaded   prometheus.Gauge
	ModelLoadTime prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ring buffer metrics
		SamplesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_samples_written_total",
			Help: "Total number of samples written to the ring buffer",
		}),
		SamplesOverwritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_samples_overwritten_total",
			Help: "Total number of unread samples overwritten by newer audio",
		}),
		BufferFill: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_buffer_fill_percent",
			Help: "Current ring buffer fill level in percent",
		}),

		// Capture and restart metrics
		RestartAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_restart_attempts_total",
			Help: "Total number of capture restart attempts",
		}),
		RestartSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_restart_successes_total",
			Help: "Total number of successful capture restarts",
		}),
		RestartFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_restart_failures_total",
			Help: "Total number of failed capture restart attempts",
		}),
		Capturing: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_capturing",
			Help: "Whether audio capture is currently running (1) or down (0)",
		}),

		// Segmentation metrics
		ChunksProduced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetingcoder_chunks_produced_total",
			Help: "Total number of audio chunks produced",
		}, []string{"kind"}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetingcoder_chunk_duration_seconds",
			Help:    "Duration of produced audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		SilentChunks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_silent_chunks_total",
			Help: "Total number of chunks classified as silent",
		}),

		// Queue metrics
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_queue_depth",
			Help: "Current number of chunks waiting in the transcription queue",
		}),
		QueueInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_queue_in_flight",
			Help: "Current number of chunks being transcribed",
		}),
		QueueBacklogSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_queue_backlog_seconds",
			Help: "Total audio seconds queued or being transcribed",
		}),
		QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_queue_dropped_total",
			Help: "Total number of chunks dropped after exhausting retries",
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetingcoder_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// Model lifecycle metrics
		ModelLoads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_model_loads_total",
			Help: "Total number of model loads",
		}),
		ModelUnloads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetingcoder_model_unloads_total",
			Help: "Total number of model unloads",
		}),
		ModelLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetingcoder_model_loaded",
			Help: "Whether the transcription model is resident (1) or unloaded (0)",
		}),
		ModelLoadTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetingcoder_model_load_duration_seconds",
			Help:    "Time spent loading the transcription model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetingcoder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetingcoder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetingcoder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSamplesWritten adds to the samples written counter
func (m *Metrics) RecordSamplesWritten(n int) {
	m.SamplesWritten.Add(float64(n))
}

// RecordSamplesOverwritten adds to the samples overwritten counter
func (m *Metrics) RecordSamplesOverwritten(n uint64) {
	m.SamplesOverwritten.Add(float64(n))
}

// SetBufferFill sets the ring buffer fill gauge
func (m *Metrics) SetBufferFill(percent float32) {
	m.BufferFill.Set(float64(percent))
}

// RecordRestartAttempt increments the restart attempts counter
func (m *Metrics) RecordRestartAttempt() {
	m.RestartAttempts.Inc()
}

// RecordRestartSuccess increments the restart successes counter
func (m *Metrics) RecordRestartSuccess() {
	m.RestartSuccesses.Inc()
}

// RecordRestartFailure increments the restart failures counter
func (m *Metrics) RecordRestartFailure() {
	m.RestartFailures.Inc()
}

// SetCapturing sets the capturing gauge
func (m *Metrics) SetCapturing(capturing bool) {
	if capturing {
		m.Capturing.Set(1)
	} else {
		m.Capturing.Set(0)
	}
}

// RecordChunkProduced records a produced chunk with its kind and duration
func (m *Metrics) RecordChunkProduced(kind string, durationSeconds float64, silent bool) {
	m.ChunksProduced.WithLabelValues(kind).Inc()
	m.ChunkDuration.Observe(durationSeconds)
	if silent {
		m.SilentChunks.Inc()
	}
}

// SetQueueDepth sets the queued chunk gauge
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetQueueInFlight sets the in-flight chunk gauge
func (m *Metrics) SetQueueInFlight(inFlight int) {
	m.QueueInFlight.Set(float64(inFlight))
}

// SetQueueBacklogSeconds sets the queue backlog gauge
func (m *Metrics) SetQueueBacklogSeconds(seconds float64) {
	m.QueueBacklogSeconds.Set(seconds)
}

// RecordQueueDrop increments the dropped chunk counter
func (m *Metrics) RecordQueueDrop() {
	m.QueueDropped.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}

// RecordModelLoad records a completed model load
func (m *Metrics) RecordModelLoad(durationSeconds float64) {
	m.ModelLoads.Inc()
	m.ModelLoadTime.Observe(durationSeconds)
	m.ModelLoaded.Set(1)
}

// RecordModelUnload records a model unload
func (m *Metrics) RecordModelUnload() {
	m.ModelUnloads.Inc()
	m.ModelLoaded.Set(0)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
