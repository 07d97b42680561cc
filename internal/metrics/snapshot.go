package metrics

import (
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
)

// CaptureStatus is the capture-side state read into a snapshot.
type CaptureStatus struct {
	DeviceName         string
	DeviceSampleRate   int
	ResampleRatio      float64
	Capturing          bool
	BufferSize         uint64
	BufferCapacity     uint64
	BufferFillPercent  float32
	OverwrittenSamples uint64
	SilentChunks       uint64
}

// RestartStatus is the restart-supervision state read into a snapshot.
type RestartStatus struct {
	Attempts          uint64
	Successes         uint64
	LastHour          int
	CooldownRemaining time.Duration
	LastError         string
}

// QueueStatus is the transcription-queue state read into a snapshot.
type QueueStatus struct {
	Queued         int
	Processing     int
	BacklogSeconds float64
}

// CaptureProvider reports capture state for snapshots.
type CaptureProvider interface {
	CaptureStatus() CaptureStatus
}

// RestartProvider reports restart-supervision state for snapshots.
type RestartProvider interface {
	RestartStatus() RestartStatus
}

// QueueProvider reports transcription-queue state for snapshots.
type QueueProvider interface {
	QueueStatus() QueueStatus
}

// MetricsSnapshot is the point-in-time pipeline state served over the
// diagnostics API.
type MetricsSnapshot struct {
	BufferSizeSamples     uint64  `json:"buffer_size_samples"`
	BufferCapacitySamples uint64  `json:"buffer_capacity_samples"`
	BufferFillPercent     float32 `json:"buffer_fill_percent"`
	OverwrittenSamples    uint64  `json:"overwritten_samples"`

	DeviceName       string  `json:"device_name"`
	DeviceSampleRate int     `json:"device_sample_rate"`
	ResampleRatio    float64 `json:"resample_ratio"`

	SilentChunks uint64 `json:"silent_chunks"`

	RestartAttemptsTotal         uint64  `json:"restart_attempts_total"`
	RestartSuccesses             uint64  `json:"restart_successes"`
	RestartsLastHour             int     `json:"restarts_last_hour"`
	RestartCooldownRemainingSecs float64 `json:"restart_cooldown_remaining_secs"`
	LastRestartError             string  `json:"last_restart_error,omitempty"`

	IsSystemCapturing      bool    `json:"is_system_capturing"`
	BacklogSecondsEstimate float64 `json:"backlog_seconds_estimate"`

	QueueQueued         int     `json:"queue_queued"`
	QueueProcessing     int     `json:"queue_processing"`
	QueueBacklogSeconds float64 `json:"queue_backlog_seconds"`
}

// Aggregator assembles snapshots from the live components. Providers may be
// nil; their sections stay at zero values.
type Aggregator struct {
	capture CaptureProvider
	restart RestartProvider
	queue   QueueProvider
}

// NewAggregator creates a snapshot aggregator over the given providers.
func NewAggregator(capture CaptureProvider, restart RestartProvider, queue QueueProvider) *Aggregator {
	return &Aggregator{
		capture: capture,
		restart: restart,
		queue:   queue,
	}
}

// Snapshot reads every provider and assembles the current pipeline state.
func (a *Aggregator) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot

	if a.capture != nil {
		cs := a.capture.CaptureStatus()
		snap.BufferSizeSamples = cs.BufferSize
		snap.BufferCapacitySamples = cs.BufferCapacity
		snap.BufferFillPercent = cs.BufferFillPercent
		snap.OverwrittenSamples = cs.OverwrittenSamples
		snap.DeviceName = cs.DeviceName
		snap.DeviceSampleRate = cs.DeviceSampleRate
		snap.ResampleRatio = cs.ResampleRatio
		snap.SilentChunks = cs.SilentChunks
		snap.IsSystemCapturing = cs.Capturing
		snap.BacklogSecondsEstimate = float64(cs.BufferSize) / float64(audio.TargetSampleRate)
	}

	if a.restart != nil {
		rs := a.restart.RestartStatus()
		snap.RestartAttemptsTotal = rs.Attempts
		snap.RestartSuccesses = rs.Successes
		snap.RestartsLastHour = rs.LastHour
		snap.RestartCooldownRemainingSecs = rs.CooldownRemaining.Seconds()
		snap.LastRestartError = rs.LastError
	}

	if a.queue != nil {
		qs := a.queue.QueueStatus()
		snap.QueueQueued = qs.Queued
		snap.QueueProcessing = qs.Processing
		snap.QueueBacklogSeconds = qs.BacklogSeconds
	}

	return snap
}
