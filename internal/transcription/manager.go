package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
)

// ErrModelLoadFailed wraps engine load errors surfaced by EnsureLoaded.
var ErrModelLoadFailed = errors.New("model load failed")

// ModelState represents the current state of the managed model
type ModelState int

const (
	ModelUnloaded ModelState = iota
	ModelLoading
	ModelLoaded
	ModelUnloading
)

// String returns the state as a short label.
func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelLoading:
		return "loading"
	case ModelLoaded:
		return "loaded"
	case ModelUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// ModelStatus represents the externally visible model state
type ModelStatus struct {
	IsLoaded     bool   `json:"is_loaded"`
	CurrentModel string `json:"current_model"`
	State        string `json:"state"`
}

// loadAttempt shares one in-flight engine load among concurrent callers.
type loadAttempt struct {
	done chan struct{}
	err  error
}

// ModelManager serializes engine load and unload transitions and applies the
// idle unload policy. Callers pair EnsureLoaded with Release around each
// use; when the last concurrent use ends the model is kept resident,
// unloaded immediately, or unloaded after an idle delay.
type ModelManager struct {
	engine      Engine
	model       string
	unloadAfter time.Duration
	neverUnload bool
	metrics     *metrics.Metrics
	events      *events.Publisher
	logger      *slog.Logger

	mu         sync.Mutex
	state      ModelState
	active     int
	inflight   *loadAttempt
	unloadDone chan struct{}
	idleTimer  *time.Timer
}

// NewModelManager creates a model manager over the given engine. A zero
// unloadAfter with neverUnload false unloads immediately after each use.
func NewModelManager(engine Engine, model string, unloadAfter time.Duration, neverUnload bool, m *metrics.Metrics, publisher *events.Publisher, logger *slog.Logger) (*ModelManager, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if unloadAfter < 0 {
		return nil, fmt.Errorf("unload delay must not be negative, got %v", unloadAfter)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ModelManager{
		engine:      engine,
		model:       model,
		unloadAfter: unloadAfter,
		neverUnload: neverUnload,
		metrics:     m,
		events:      publisher,
		logger:      logger,
		state:       ModelUnloaded,
	}, nil
}

// EnsureLoaded makes sure the model is resident and takes one use lease.
// Concurrent callers during a load share the same attempt and its outcome.
// Every successful return must be paired with Release.
func (m *ModelManager) EnsureLoaded(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case ModelLoaded:
			m.active++
			m.stopIdleTimerLocked()
			m.mu.Unlock()
			return nil

		case ModelLoading:
			attempt := m.inflight
			m.mu.Unlock()
			select {
			case <-attempt.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if attempt.err != nil {
				return attempt.err
			}

		case ModelUnloading:
			wait := m.unloadDone
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}

		case ModelUnloaded:
			attempt := &loadAttempt{done: make(chan struct{})}
			m.inflight = attempt
			m.state = ModelLoading
			m.mu.Unlock()

			m.runLoad(ctx, attempt)
			if attempt.err != nil {
				return attempt.err
			}
		}
	}
}

// runLoad performs the engine load for one attempt and publishes the
// outcome to every waiter.
func (m *ModelManager) runLoad(ctx context.Context, attempt *loadAttempt) {
	started := time.Now()
	err := m.engine.Load(ctx)
	elapsed := time.Since(started)

	m.mu.Lock()
	if err != nil {
		m.state = ModelUnloaded
		attempt.err = fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	} else {
		m.state = ModelLoaded
	}
	m.inflight = nil
	m.mu.Unlock()
	close(attempt.done)

	if err != nil {
		m.logger.Error("Model load failed",
			slog.String("model", m.model),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return
	}

	m.logger.Info("Model loaded",
		slog.String("model", m.model),
		slog.Duration("elapsed", elapsed))

	if m.metrics != nil {
		m.metrics.RecordModelLoad(elapsed.Seconds())
	}
	if m.events != nil {
		m.events.Emit(events.ModelLoaded, "", events.ModelEventData{
			Model:  m.model,
			LoadMs: elapsed.Milliseconds(),
		})
	}
}

// Release ends one use. When the last concurrent use ends the idle policy
// applies.
func (m *ModelManager) Release() {
	m.mu.Lock()

	if m.active > 0 {
		m.active--
	}
	if m.active > 0 || m.state != ModelLoaded || m.neverUnload {
		m.mu.Unlock()
		return
	}

	if m.unloadAfter <= 0 {
		m.mu.Unlock()
		go m.unload("idle", false)
		return
	}

	m.stopIdleTimerLocked()
	m.idleTimer = time.AfterFunc(m.unloadAfter, func() {
		m.unload("idle", false)
	})
	m.mu.Unlock()
}

// ForceUnload unloads the model now regardless of the idle policy. It
// refuses to interrupt an in-flight load.
func (m *ModelManager) ForceUnload() error {
	m.mu.Lock()
	if m.state == ModelLoading {
		m.mu.Unlock()
		return fmt.Errorf("model load in progress")
	}
	m.mu.Unlock()

	return m.unload("forced", true)
}

// unload transitions Loaded to Unloaded through Unloading. Without force it
// backs off when the model is in use, which covers an idle timer firing
// just as a new lease was taken.
func (m *ModelManager) unload(reason string, force bool) error {
	m.mu.Lock()
	if m.state != ModelLoaded || (!force && m.active > 0) {
		m.mu.Unlock()
		return nil
	}
	m.state = ModelUnloading
	done := make(chan struct{})
	m.unloadDone = done
	m.stopIdleTimerLocked()
	m.mu.Unlock()

	err := m.engine.Unload()

	m.mu.Lock()
	m.state = ModelUnloaded
	m.mu.Unlock()
	close(done)

	if err != nil {
		m.logger.Warn("Model unload returned error",
			slog.String("model", m.model),
			slog.String("error", err.Error()))
	} else {
		m.logger.Info("Model unloaded",
			slog.String("model", m.model),
			slog.String("reason", reason))
	}

	if m.metrics != nil {
		m.metrics.RecordModelUnload()
	}
	if m.events != nil {
		m.events.Emit(events.ModelUnloaded, "", events.ModelEventData{
			Model:  m.model,
			Reason: reason,
		})
	}

	return err
}

// Status returns the externally visible model state.
func (m *ModelManager) Status() ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ModelStatus{
		IsLoaded:     m.state == ModelLoaded,
		CurrentModel: m.model,
		State:        m.state.String(),
	}
}

// State returns the current lifecycle state.
func (m *ModelManager) State() ModelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops the idle timer and unloads the model if resident.
func (m *ModelManager) Close() error {
	m.mu.Lock()
	m.stopIdleTimerLocked()
	m.mu.Unlock()

	return m.unload("shutdown", true)
}

// stopIdleTimerLocked cancels a pending idle unload. Caller holds the lock.
func (m *ModelManager) stopIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}
