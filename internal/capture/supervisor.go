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

// SupervisorState represents the supervision state of the capture pipeline
type SupervisorState int

const (
	StateIdle SupervisorState = iota
	StateStarting
	StateStreaming
	StateSilent
	StateFailed
	StateRestarting
)

// String returns the string representation of the supervisor state
func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateSilent:
		return "silent"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// RestartPolicy bounds automatic capture restarts.
type RestartPolicy struct {
	MaxPerHour  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Window is the sliding interval the MaxPerHour cap applies to.
	// Zero means one hour.
	Window time.Duration
}

// DefaultRestartPolicy returns the documented restart limits.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxPerHour:  5,
		BackoffBase: 5 * time.Second,
		BackoffMax:  300 * time.Second,
		Window:      time.Hour,
	}
}

func (p RestartPolicy) window() time.Duration {
	if p.Window <= 0 {
		return time.Hour
	}
	return p.Window
}

// backoffDelay returns the wait before a restart attempt given the number of
// consecutive failures so far. The delay doubles per failure up to the cap.
func (p RestartPolicy) backoffDelay(consecutiveFails int) time.Duration {
	delay := p.BackoffBase
	for i := 0; i < consecutiveFails; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

// RestartSupervisor owns the capture session and restarts it when the device
// dies mid-stream. Restarts are rate limited by a sliding-window cap and an
// exponential backoff; when the cap is exhausted the supervisor stays failed
// until it is started again by hand.
type RestartSupervisor struct {
	opener        Opener
	ring          *audio.RingBuffer
	detector      *vad.Detector
	policy        RestartPolicy
	silenceWindow int
	metrics       *metrics.Metrics
	events        *events.Publisher
	logger        *slog.Logger

	mu               sync.Mutex
	state            SupervisorState
	source           AudioSource
	session          *CaptureSession
	attempts         uint64
	successes        uint64
	history          []time.Time
	consecutiveFails int
	cooldownUntil    time.Time
	lastError        string
	silentFramesBase uint64
	monitorCancel    context.CancelFunc
	monitorDone      chan struct{}
}

// NewRestartSupervisor creates a supervisor. The opener is invoked for every
// (re)start so devices that died can be reopened fresh.
func NewRestartSupervisor(opener Opener, ring *audio.RingBuffer, detector *vad.Detector,
	policy RestartPolicy, silenceWindow int, m *metrics.Metrics, pub *events.Publisher,
	logger *slog.Logger) (*RestartSupervisor, error) {

	if opener == nil {
		return nil, fmt.Errorf("opener cannot be nil")
	}
	if ring == nil {
		return nil, fmt.Errorf("ring buffer cannot be nil")
	}
	if detector == nil {
		return nil, fmt.Errorf("silence detector cannot be nil")
	}
	if policy.MaxPerHour < 1 {
		return nil, fmt.Errorf("restart cap must be at least 1 per hour, got %d", policy.MaxPerHour)
	}
	if policy.BackoffBase <= 0 || policy.BackoffMax < policy.BackoffBase {
		return nil, fmt.Errorf("invalid backoff range [%v, %v]", policy.BackoffBase, policy.BackoffMax)
	}
	if silenceWindow < 1 {
		return nil, fmt.Errorf("silence window must be at least 1 frame, got %d", silenceWindow)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RestartSupervisor{
		opener:        opener,
		ring:          ring,
		detector:      detector,
		policy:        policy,
		silenceWindow: silenceWindow,
		metrics:       m,
		events:        pub,
		logger:        logger,
		state:         StateIdle,
	}, nil
}

// Start opens the source and begins supervised capture.
func (s *RestartSupervisor) Start(ctx context.Context, source AudioSource) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("capture already %s", state)
	}
	s.state = StateStarting
	s.source = source
	s.lastError = ""
	s.consecutiveFails = 0
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()

	session, err := s.openSession(ctx, source)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.session = session
	s.state = StateStreaming
	s.monitorCancel = cancel
	s.monitorDone = done
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetCapturing(true)
	}

	go s.monitor(monitorCtx, done)

	s.logger.Info("Capture supervision started",
		slog.String("source", source.String()),
		slog.String("device", session.Device().Name()))

	return nil
}

// Stop tears the capture down without any restart bookkeeping.
func (s *RestartSupervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	cancel := s.monitorCancel
	done := s.monitorDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	// The monitor has exited; whatever session it left behind is ours to stop.
	s.mu.Lock()
	session := s.session
	s.state = StateIdle
	s.session = nil
	s.monitorCancel = nil
	s.monitorDone = nil
	s.mu.Unlock()

	var err error
	if session != nil {
		err = session.Stop()
	}

	if s.metrics != nil {
		s.metrics.SetCapturing(false)
	}

	s.logger.Info("Capture supervision stopped")
	return err
}

// SwitchSource replaces the capture source. The old session is torn down
// cleanly; switching never counts against the restart budget.
func (s *RestartSupervisor) SwitchSource(ctx context.Context, source AudioSource) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("Error stopping previous source during switch",
			slog.String("error", err.Error()))
	}
	return s.Start(ctx, source)
}

// State returns the current supervision state. A streaming session inside a
// silence run reports StateSilent.
func (s *RestartSupervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming && s.session != nil && s.session.InSilence() {
		return StateSilent
	}
	return s.state
}

// Source returns the currently configured audio source.
func (s *RestartSupervisor) Source() AudioSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// RestartStatus reports restart counters for metrics snapshots.
func (s *RestartSupervisor) RestartStatus() metrics.RestartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cooldown := time.Duration(0)
	if s.cooldownUntil.After(now) {
		cooldown = s.cooldownUntil.Sub(now)
	}

	return metrics.RestartStatus{
		Attempts:          s.attempts,
		Successes:         s.successes,
		LastHour:          s.restartsInWindow(now),
		CooldownRemaining: cooldown,
		LastError:         s.lastError,
	}
}

// CaptureStatus reports capture-side state for metrics snapshots.
func (s *RestartSupervisor) CaptureStatus() metrics.CaptureStatus {
	s.mu.Lock()
	session := s.session
	state := s.state
	silentBase := s.silentFramesBase
	s.mu.Unlock()

	ringStats := s.ring.GetStats()
	status := metrics.CaptureStatus{
		Capturing:          state == StateStreaming,
		BufferSize:         uint64(ringStats.SizeSamples),
		BufferCapacity:     uint64(ringStats.CapacitySamples),
		BufferFillPercent:  ringStats.FillPercent,
		OverwrittenSamples: ringStats.OverwrittenSamples,
		SilentChunks:       silentBase,
	}

	if session != nil {
		device := session.Device()
		status.DeviceName = device.Name()
		status.DeviceSampleRate = device.SampleRate()
		status.ResampleRatio = session.ResampleRatio()
		status.SilentChunks = silentBase + session.SilentFrames()
		status.Capturing = state == StateStreaming && session.State() == SessionStreaming
	}

	return status
}

// openSession opens the device and starts a session on it.
func (s *RestartSupervisor) openSession(ctx context.Context, source AudioSource) (*CaptureSession, error) {
	device, err := s.opener(source)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", source, err)
	}

	session, err := NewSession(device, s.ring, s.detector, s.silenceWindow, s.metrics, s.events, s.logger)
	if err != nil {
		device.Stop()
		return nil, err
	}

	if err := session.Start(ctx); err != nil {
		device.Stop()
		return nil, err
	}

	return session, nil
}

// monitor waits for the session to die and drives the restart loop. It owns
// the supervisor lifecycle until Stop cancels it.
func (s *RestartSupervisor) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()
		if session == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case err := <-session.Done():
			if !s.restartLoop(ctx, err) {
				return
			}
		}
	}
}

// restartLoop attempts restarts until capture streams again. It returns
// false when supervision should end: context cancelled or budget exhausted.
func (s *RestartSupervisor) restartLoop(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.state = StateFailed
	s.lastError = cause.Error()
	if s.session != nil {
		s.silentFramesBase += s.session.SilentFrames()
	}
	source := s.source
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetCapturing(false)
	}

	s.logger.Error("Capture failed, entering restart supervision",
		slog.String("source", source.String()),
		slog.String("error", cause.Error()))

	for {
		if ctx.Err() != nil {
			return false
		}

		now := time.Now()

		s.mu.Lock()
		inWindow := s.restartsInWindow(now)
		fails := s.consecutiveFails
		s.mu.Unlock()

		if inWindow >= s.policy.MaxPerHour {
			s.logger.Error("Restart limit reached, capture stays down until restarted manually",
				slog.Int("restarts_last_hour", inWindow),
				slog.Int("max_per_hour", s.policy.MaxPerHour))
			if s.events != nil {
				s.events.Emit(events.RestartFailed, "", &events.RestartFailedData{
					Attempt:   fails + 1,
					Error:     "restart limit reached",
					Exhausted: true,
				})
			}
			return false
		}

		delay := s.policy.backoffDelay(fails)
		attempt := fails + 1

		s.mu.Lock()
		s.state = StateRestarting
		s.cooldownUntil = now.Add(delay)
		lastErr := s.lastError
		s.mu.Unlock()

		s.logger.Info("Retrying audio capture",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		if s.events != nil {
			s.events.Emit(events.RestartAttempting, "", &events.RestartAttemptingData{
				Attempt:      attempt,
				DelaySeconds: delay.Seconds(),
				LastError:    lastErr,
			})
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()
		s.attempts++
		s.history = append(s.history, time.Now())
		s.state = StateStarting
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordRestartAttempt()
		}

		session, err := s.openSession(ctx, source)
		if err == nil && ctx.Err() != nil {
			// Stopped while reopening; do not leave the new session running.
			session.Stop()
			return false
		}
		if err != nil {
			s.mu.Lock()
			s.consecutiveFails++
			s.lastError = err.Error()
			s.state = StateFailed
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.RecordRestartFailure()
			}
			s.logger.Error("Capture restart failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			if s.events != nil {
				s.events.Emit(events.RestartFailed, "", &events.RestartFailedData{
					Attempt: attempt,
					Error:   err.Error(),
				})
			}
			continue
		}

		s.mu.Lock()
		s.session = session
		s.consecutiveFails = 0
		s.cooldownUntil = time.Time{}
		s.state = StateStreaming
		s.successes++
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordRestartSuccess()
			s.metrics.SetCapturing(true)
		}
		s.logger.Info("Audio capture restarted",
			slog.Int("attempt", attempt),
			slog.String("device", session.Device().Name()))

		return true
	}
}

// restartsInWindow counts restart attempts inside the sliding window and
// prunes expired history. Callers must hold mu.
func (s *RestartSupervisor) restartsInWindow(now time.Time) int {
	cutoff := now.Add(-s.policy.window())
	kept := s.history[:0]
	for _, t := range s.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.history = kept
	return len(s.history)
}
