package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/vad"
)

// SessionState represents the lifecycle state of a capture session
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionStreaming
	SessionStopped
	SessionFailed
)

// String returns the string representation of the session state
func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionStreaming:
		return "streaming"
	case SessionStopped:
		return "stopped"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CaptureSession owns one device for the duration of a capture run. Each
// delivered frame is resampled to the pipeline rate, written to the ring
// buffer, and classified for silence telemetry. The session never blocks on
// downstream consumers; the ring buffer absorbs everything.
type CaptureSession struct {
	device        Device
	ring          *audio.RingBuffer
	resampler     *audio.Resampler
	detector      *vad.Detector
	silenceWindow int
	metrics       *metrics.Metrics
	events        *events.Publisher
	logger        *slog.Logger

	// done receives the terminal error when the device dies mid-stream.
	done chan error

	mu              sync.RWMutex
	state           SessionState
	startedAt       time.Time
	framesProcessed uint64
	silentFrames    uint64
	resampleErrors  uint64
	silentRun       int
	inSilence       bool
	silenceStart    time.Time
}

// SessionStats represents capture session statistics
type SessionStats struct {
	State            string  `json:"state"`
	DeviceName       string  `json:"device_name"`
	DeviceSampleRate int     `json:"device_sample_rate"`
	DeviceChannels   int     `json:"device_channels"`
	FramesProcessed  uint64  `json:"frames_processed"`
	SilentFrames     uint64  `json:"silent_frames"`
	ResampleErrors   uint64  `json:"resample_errors"`
	InSilence        bool    `json:"in_silence"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// NewSession creates a capture session for the given device. silenceWindow
// is the number of consecutive silent frames that flips the session into
// its silent state.
func NewSession(device Device, ring *audio.RingBuffer, detector *vad.Detector,
	silenceWindow int, m *metrics.Metrics, pub *events.Publisher, logger *slog.Logger) (*CaptureSession, error) {

	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	if ring == nil {
		return nil, fmt.Errorf("ring buffer cannot be nil")
	}
	if detector == nil {
		return nil, fmt.Errorf("silence detector cannot be nil")
	}
	if silenceWindow < 1 {
		return nil, fmt.Errorf("silence window must be at least 1 frame, got %d", silenceWindow)
	}
	if logger == nil {
		logger = slog.Default()
	}

	resampler, err := audio.NewResampler(device.SampleRate(), device.Channels())
	if err != nil {
		return nil, fmt.Errorf("create resampler for device %s: %w", device.Name(), err)
	}

	return &CaptureSession{
		device:        device,
		ring:          ring,
		resampler:     resampler,
		detector:      detector,
		silenceWindow: silenceWindow,
		metrics:       m,
		events:        pub,
		logger:        logger,
		done:          make(chan error, 1),
		state:         SessionCreated,
	}, nil
}

// Start begins streaming from the device.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	s.state = SessionStreaming
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.device.Start(ctx, s.handleFrame, s.handleDeviceError); err != nil {
		s.mu.Lock()
		s.state = SessionFailed
		s.mu.Unlock()
		return fmt.Errorf("start device %s: %w", s.device.Name(), err)
	}

	s.logger.Info("Capture session started",
		slog.String("device", s.device.Name()),
		slog.Int("sample_rate", s.device.SampleRate()),
		slog.Int("channels", s.device.Channels()))

	return nil
}

// Stop halts the session. Safe to call more than once.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	if s.state != SessionStreaming {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionStopped
	s.mu.Unlock()

	err := s.device.Stop()

	s.logger.Info("Capture session stopped",
		slog.String("device", s.device.Name()),
		slog.Uint64("frames_processed", s.FramesProcessed()))

	return err
}

// Done reports the terminal device error for sessions that die mid-stream.
func (s *CaptureSession) Done() <-chan error {
	return s.done
}

// State returns the current session state.
func (s *CaptureSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// InSilence reports whether the session is inside a silence run.
func (s *CaptureSession) InSilence() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inSilence
}

// SilentFrames returns the lifetime count of frames classified silent.
func (s *CaptureSession) SilentFrames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.silentFrames
}

// FramesProcessed returns the lifetime count of delivered frames.
func (s *CaptureSession) FramesProcessed() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesProcessed
}

// ResampleRatio returns the device-to-pipeline rate ratio.
func (s *CaptureSession) ResampleRatio() float64 {
	return s.resampler.Ratio()
}

// Device returns the device this session captures from.
func (s *CaptureSession) Device() Device {
	return s.device
}

// GetStats returns current session statistics
func (s *CaptureSession) GetStats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := float64(0)
	if !s.startedAt.IsZero() && s.state == SessionStreaming {
		uptime = time.Since(s.startedAt).Seconds()
	}

	return SessionStats{
		State:            s.state.String(),
		DeviceName:       s.device.Name(),
		DeviceSampleRate: s.device.SampleRate(),
		DeviceChannels:   s.device.Channels(),
		FramesProcessed:  s.framesProcessed,
		SilentFrames:     s.silentFrames,
		ResampleErrors:   s.resampleErrors,
		InSilence:        s.inSilence,
		UptimeSeconds:    uptime,
	}
}

// handleFrame runs on the device goroutine for every delivered frame.
func (s *CaptureSession) handleFrame(frame audio.Frame) {
	out, err := s.resampler.Process(frame)
	if err != nil {
		s.mu.Lock()
		s.resampleErrors++
		s.mu.Unlock()
		s.logger.Warn("Dropping frame: resample failed",
			slog.String("device", s.device.Name()),
			slog.String("error", err.Error()))
		return
	}
	if len(out) == 0 {
		return
	}

	dropped := s.ring.Write(out)
	if s.metrics != nil {
		s.metrics.RecordSamplesWritten(len(out))
		if dropped > 0 {
			s.metrics.RecordSamplesOverwritten(uint64(dropped))
		}
		s.metrics.SetBufferFill(s.ring.FillPercent())
	}

	result, err := s.detector.Process(out)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.framesProcessed++
	if result.Silent {
		s.silentFrames++
		s.silentRun++
		enteredSilence := !s.inSilence && s.silentRun >= s.silenceWindow
		if enteredSilence {
			s.inSilence = true
			s.silenceStart = time.Now()
		}
		s.mu.Unlock()

		if enteredSilence {
			s.logger.Info("Silence detected on capture stream",
				slog.String("device", s.device.Name()),
				slog.Float64("dbfs", result.DBFS))
			if s.events != nil {
				s.events.Emit(events.SilenceDetected, "", &events.SilenceDetectedData{
					DBFS: result.DBFS,
				})
			}
		}
		return
	}

	leftSilence := s.inSilence
	var silenceDuration time.Duration
	if leftSilence {
		silenceDuration = time.Since(s.silenceStart)
	}
	s.inSilence = false
	s.silentRun = 0
	s.mu.Unlock()

	if leftSilence {
		s.logger.Info("Audio resumed after silence",
			slog.String("device", s.device.Name()),
			slog.Duration("silence_duration", silenceDuration))
	}
}

// handleDeviceError runs when the device stops delivering frames on its own.
func (s *CaptureSession) handleDeviceError(err error) {
	s.mu.Lock()
	if s.state != SessionStreaming {
		s.mu.Unlock()
		return
	}
	s.state = SessionFailed
	s.mu.Unlock()

	s.logger.Error("Capture device failed",
		slog.String("device", s.device.Name()),
		slog.String("error", err.Error()))

	select {
	case s.done <- err:
	default:
	}
}
