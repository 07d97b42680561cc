package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
	"github.com/Damonbodine/meetingcoder-sub000/internal/capture"
	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/queue"
	"github.com/Damonbodine/meetingcoder-sub000/internal/transcription"
	"github.com/Damonbodine/meetingcoder-sub000/internal/vad"
)

const (
	// errorLogCapacity bounds the in-memory log of recent failures.
	errorLogCapacity = 50

	// turnSilenceEps and turnSilenceFraction drive speaker alternation: a
	// chunk whose near-zero sample fraction exceeds the threshold is taken
	// as a turn boundary.
	turnSilenceEps      = 1e-3
	turnSilenceFraction = 0.20

	// minPumpInterval and maxPumpInterval clamp the configured drain
	// cadence.
	minPumpInterval = 2 * time.Second
	maxPumpInterval = 60 * time.Second

	// finalFlushTimeout bounds enqueueing the trailing segment during Stop.
	finalFlushTimeout = 5 * time.Second

	errorSubscriberID = "pipeline-errors"
)

// ErrMeetingActive is returned when Start or Import is called while a
// meeting is already in progress.
var ErrMeetingActive = errors.New("a meeting is already active")

// ErrNoMeeting is returned by operations that require an active meeting.
var ErrNoMeeting = errors.New("no active meeting")

// Pipeline wires capture, segmentation, the transcription queue, and the
// model manager into one meeting-oriented unit. It runs at most one meeting
// at a time; Start brings the capture chain up and Stop tears it down,
// completing the meeting transcript.
type Pipeline struct {
	engine  transcription.Engine
	manager *transcription.ModelManager
	opener  capture.Opener
	metrics *metrics.Metrics
	events  *events.Publisher
	logger  *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu         sync.RWMutex
	running    bool
	importing  bool
	paused     bool
	meeting    *Meeting
	ring       *audio.RingBuffer
	detector   *vad.Detector
	supervisor *capture.RestartSupervisor
	segmenter  *audio.Segmenter
	queue      *queue.TranscriptionQueue
	journal    *queue.Journal
	speaker    int

	pumpStop    chan struct{}
	pumpDone    chan struct{}
	resultsDone chan struct{}

	errMu    sync.Mutex
	errorLog []string

	eventCh   <-chan events.Envelope
	eventDone chan struct{}
}

// New creates a pipeline over the given transcription engine. A nil opener
// falls back to the default device opener, a nil publisher gets a private
// bus, and a nil logger falls back to slog.Default. Metrics may be nil.
func New(cfg *config.Config, engine transcription.Engine, opener capture.Opener,
	m *metrics.Metrics, pub *events.Publisher, logger *slog.Logger) (*Pipeline, error) {

	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("transcription engine cannot be nil")
	}
	if opener == nil {
		opener = capture.DefaultOpener
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewPublisher("pipeline", logger)
	}

	unloadAfter, neverUnload := cfg.Transcription.GetModelUnloadTimeout()
	manager, err := transcription.NewModelManager(engine, cfg.Transcription.Model,
		unloadAfter, neverUnload, m, pub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model manager: %w", err)
	}

	p := &Pipeline{
		engine:    engine,
		manager:   manager,
		opener:    opener,
		metrics:   m,
		events:    pub,
		logger:    logger,
		cfg:       cfg,
		errorLog:  make([]string, 0, errorLogCapacity),
		eventDone: make(chan struct{}),
	}
	p.eventCh = pub.Subscribe(errorSubscriberID, 32)
	go p.watchEvents()
	return p, nil
}

// Start begins a new meeting capturing from the named source. An empty
// source falls back to the configured default; an empty name gets a
// timestamped one. Only one meeting can be active at a time.
func (p *Pipeline) Start(ctx context.Context, sourceName, meetingName string) error {
	cfg := p.currentConfig()
	if sourceName == "" {
		sourceName = cfg.Capture.Source
	}
	source, err := capture.ParseSource(sourceName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.importing {
		return ErrMeetingActive
	}

	ring, err := audio.NewRingBuffer(int(cfg.Capture.GetBufferDuration().Seconds()) * audio.TargetSampleRate)
	if err != nil {
		return fmt.Errorf("failed to create ring buffer: %w", err)
	}
	detector, err := vad.NewDetector(cfg.Capture.SilenceThresholdDBFS, vad.DefaultWindowSize, audio.TargetSampleRate)
	if err != nil {
		return fmt.Errorf("failed to create silence detector: %w", err)
	}
	segmenter, err := audio.NewSegmenter(audio.SegmenterConfig{
		SampleRate:         audio.TargetSampleRate,
		MinSegmentDuration: cfg.Segmenter.GetMinSegmentDuration(),
		MaxChunkDuration:   cfg.Segmenter.GetChunkDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create segmenter: %w", err)
	}
	supervisor, err := capture.NewRestartSupervisor(p.opener, ring, detector, capture.RestartPolicy{
		MaxPerHour:  cfg.Restart.MaxPerHour,
		BackoffBase: cfg.Restart.GetBackoffBase(),
		BackoffMax:  cfg.Restart.GetBackoffMax(),
	}, cfg.Capture.SilenceWindowFrames, p.metrics, p.events, p.logger)
	if err != nil {
		return fmt.Errorf("failed to create restart supervisor: %w", err)
	}

	var journal *queue.Journal
	if cfg.Queue.JournalPath != "" {
		journal, err = queue.OpenJournal(cfg.Queue.JournalPath)
		if err != nil {
			// The journal is advisory; keep recording without it.
			p.logger.Warn("Queue journal disabled",
				slog.String("path", cfg.Queue.JournalPath),
				slog.String("error", err.Error()))
			journal = nil
		}
	}

	q, err := queue.NewQueue(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		Workers:     cfg.Queue.WorkerCount,
		MaxRetries:  cfg.Queue.MaxRetries,
		ItemTimeout: cfg.Transcription.GetTimeoutDuration(),
	}, p.transcribeChunk, journal, p.metrics, p.logger)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return fmt.Errorf("failed to create transcription queue: %w", err)
	}

	if err := supervisor.Start(ctx, source); err != nil {
		q.Close()
		if journal != nil {
			journal.Close()
		}
		return fmt.Errorf("failed to start capture: %w", err)
	}

	meeting := &Meeting{
		ID:        xid.New().String(),
		Name:      meetingName,
		StartedAt: time.Now(),
		Status:    MeetingRecording,
	}
	if meeting.Name == "" {
		meeting.Name = "Meeting " + meeting.StartedAt.Format("2006-01-02 15:04")
	}

	p.meeting = meeting
	p.ring = ring
	p.detector = detector
	p.supervisor = supervisor
	p.segmenter = segmenter
	p.queue = q
	p.journal = journal
	p.running = true
	p.paused = false
	p.speaker = 0
	p.pumpStop = make(chan struct{})
	p.pumpDone = make(chan struct{})
	p.resultsDone = make(chan struct{})

	loop := &pumpLoop{
		pipeline:  p,
		ring:      ring,
		detector:  detector,
		segmenter: segmenter,
		queue:     q,
		meetingID: meeting.ID,
	}
	go loop.run(p.pumpStop, p.pumpDone)
	go p.consumeResults(q.Results(), meeting, p.resultsDone)

	p.events.Emit(events.MeetingStarted, meeting.ID, events.MeetingStartedData{
		Title:  meeting.Name,
		Source: source.String(),
	})
	p.logger.Info("Meeting started",
		slog.String("meeting_id", meeting.ID),
		slog.String("name", meeting.Name),
		slog.String("source", source.String()))
	return nil
}

// Stop ends the active meeting: capture shuts down, the trailing partial
// segment is flushed through the queue, and the meeting is completed once
// every in-flight result has landed. Stopping an idle pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.paused = false
	meeting := p.meeting
	supervisor := p.supervisor
	q := p.queue
	journal := p.journal
	pumpStop := p.pumpStop
	pumpDone := p.pumpDone
	resultsDone := p.resultsDone
	p.ring = nil
	p.detector = nil
	p.supervisor = nil
	p.segmenter = nil
	p.queue = nil
	p.journal = nil
	p.pumpStop = nil
	p.pumpDone = nil
	p.resultsDone = nil
	p.mu.Unlock()

	// Capture stops first so the final drain sees everything written.
	if err := supervisor.Stop(); err != nil {
		p.logger.Warn("Capture stop reported an error", slog.String("error", err.Error()))
	}

	close(pumpStop)
	<-pumpDone

	q.Close()
	<-resultsDone
	stats := q.GetStats()

	if journal != nil {
		if err := journal.Close(); err != nil {
			p.logger.Warn("Failed to close queue journal", slog.String("error", err.Error()))
		}
	}

	p.mu.Lock()
	now := time.Now()
	meeting.Status = MeetingCompleted
	meeting.EndedAt = &now
	duration := now.Sub(meeting.StartedAt)
	segments := len(meeting.Segments)
	p.mu.Unlock()

	p.events.Emit(events.MeetingEnded, meeting.ID, events.MeetingEndedData{
		DurationSeconds: duration.Seconds(),
		Segments:        segments,
	})
	p.logger.Info("Meeting completed",
		slog.String("meeting_id", meeting.ID),
		slog.Duration("duration", duration),
		slog.Int("segments", segments),
		slog.Uint64("chunks_completed", stats.Completed),
		slog.Uint64("chunks_failed", stats.Failed))
	return nil
}

// Pause suspends transcription. Capture keeps filling the ring so Resume
// picks up everything still retained.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNoMeeting
	}
	if p.paused {
		return nil
	}
	p.paused = true
	p.meeting.Status = MeetingPaused
	p.logger.Info("Meeting paused", slog.String("meeting_id", p.meeting.ID))
	return nil
}

// Resume reconnects transcription after a Pause.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNoMeeting
	}
	if !p.paused {
		return nil
	}
	p.paused = false
	p.meeting.Status = MeetingRecording
	p.logger.Info("Meeting resumed", slog.String("meeting_id", p.meeting.ID))
	return nil
}

// SwitchSource swaps the capture device mid-meeting. The ring buffer and
// chunk sequence continue across the switch.
func (p *Pipeline) SwitchSource(ctx context.Context, sourceName string) error {
	source, err := capture.ParseSource(sourceName)
	if err != nil {
		return err
	}

	p.mu.RLock()
	supervisor := p.supervisor
	p.mu.RUnlock()

	if supervisor == nil {
		return ErrNoMeeting
	}
	if err := supervisor.SwitchSource(ctx, source); err != nil {
		p.recordError("capture", err)
		return err
	}
	p.logger.Info("Audio source switched", slog.String("source", source.String()))
	return nil
}

// Running reports whether a meeting is currently active.
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Meeting returns a copy of the current (or most recently completed)
// meeting, or nil when none has been started.
func (p *Pipeline) Meeting() *Meeting {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.meeting == nil {
		return nil
	}
	copied := *p.meeting
	copied.Segments = append([]TranscriptSegment(nil), p.meeting.Segments...)
	return &copied
}

// Snapshot assembles the current pipeline state for the diagnostics API.
// Sections for components that are not running stay at zero values.
func (p *Pipeline) Snapshot() metrics.MetricsSnapshot {
	p.mu.RLock()
	supervisor := p.supervisor
	q := p.queue
	p.mu.RUnlock()

	var captureProv metrics.CaptureProvider
	var restartProv metrics.RestartProvider
	var queueProv metrics.QueueProvider
	if supervisor != nil {
		captureProv = supervisor
		restartProv = supervisor
	}
	if q != nil {
		queueProv = q
	}
	return metrics.NewAggregator(captureProv, restartProv, queueProv).Snapshot()
}

// ModelStatus reports the transcription model lifecycle state.
func (p *Pipeline) ModelStatus() transcription.ModelStatus {
	return p.manager.Status()
}

// ForceModelUnload evicts the model immediately, even with a meeting active.
// The next chunk reloads it.
func (p *Pipeline) ForceModelUnload() error {
	return p.manager.ForceUnload()
}

// RecentErrors returns the most recent pipeline failures, oldest first.
func (p *Pipeline) RecentErrors() []string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]string(nil), p.errorLog...)
}

// ApplyConfig installs a reloaded configuration. Runtime-adjustable knobs
// reach the live components directly; the rest take effect on the next
// Start.
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()

	p.mu.RLock()
	detector := p.detector
	segmenter := p.segmenter
	p.mu.RUnlock()

	if detector != nil {
		if err := detector.SetThreshold(cfg.Capture.SilenceThresholdDBFS); err != nil {
			p.logger.Warn("Ignoring invalid silence threshold",
				slog.Float64("threshold_dbfs", cfg.Capture.SilenceThresholdDBFS),
				slog.String("error", err.Error()))
		}
	}
	if segmenter != nil {
		if err := segmenter.SetMinSegmentDuration(cfg.Segmenter.GetMinSegmentDuration()); err != nil {
			p.logger.Warn("Ignoring invalid min segment duration", slog.String("error", err.Error()))
		}
		if err := segmenter.SetMaxChunkDuration(cfg.Segmenter.GetChunkDuration()); err != nil {
			p.logger.Warn("Ignoring invalid chunk duration", slog.String("error", err.Error()))
		}
	}
	p.logger.Info("Configuration applied",
		slog.Float64("silence_threshold_dbfs", cfg.Capture.SilenceThresholdDBFS),
		slog.Float64("chunk_seconds", cfg.Segmenter.TranscriptionChunkSeconds))
}

// Config returns the configuration currently in effect, including any
// applied reloads.
func (p *Pipeline) Config() *config.Config {
	return p.currentConfig()
}

// Shutdown stops any active meeting and releases long-lived resources. The
// pipeline must not be used afterwards.
func (p *Pipeline) Shutdown() error {
	err := p.Stop()

	p.events.Unsubscribe(errorSubscriberID)
	<-p.eventDone

	if cerr := p.manager.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// transcribeChunk is the queue's transcriber: it leases the model for the
// duration of the engine call.
func (p *Pipeline) transcribeChunk(ctx context.Context, chunk *audio.Chunk) (*queue.Transcript, error) {
	if err := p.manager.EnsureLoaded(ctx); err != nil {
		p.recordError("model", err)
		return nil, err
	}
	defer p.manager.Release()

	result, err := p.engine.Transcribe(ctx, chunk.Samples, transcription.ChunkMeta{
		ChunkID:      chunk.ID,
		Seq:          chunk.Seq,
		MeetingID:    chunk.MeetingID,
		StartSeconds: chunk.StartSeconds(),
		EndSeconds:   chunk.EndSeconds(),
		Kind:         chunk.Kind.String(),
	})
	if err != nil {
		return nil, err
	}
	return &queue.Transcript{
		Text:       result.Text,
		Language:   result.Language,
		Confidence: result.Confidence,
	}, nil
}

// consumeResults drains the queue's ordered result stream into the meeting
// transcript until the queue closes.
func (p *Pipeline) consumeResults(results <-chan queue.Result, meeting *Meeting, done chan<- struct{}) {
	defer close(done)
	for result := range results {
		p.handleResult(meeting, result)
	}
}

func (p *Pipeline) handleResult(meeting *Meeting, result queue.Result) {
	if result.Err != nil {
		p.recordError("transcription", result.Err)
		return
	}
	text := strings.TrimSpace(result.Transcript.Text)
	if text == "" {
		return
	}

	boundary := vad.SilenceFraction(result.Chunk.Samples, turnSilenceEps) > turnSilenceFraction

	p.mu.Lock()
	speaker := p.nextSpeakerLocked(boundary)
	segment := TranscriptSegment{
		Speaker:    speaker,
		StartTime:  result.Chunk.StartSeconds(),
		EndTime:    result.Chunk.EndSeconds(),
		Text:       text,
		Confidence: result.Transcript.Confidence,
		Timestamp:  time.Now(),
	}
	meeting.Segments = append(meeting.Segments, segment)
	p.mu.Unlock()

	p.events.Emit(events.TranscriptSegmentAdded, meeting.ID, events.TranscriptSegmentData{
		Seq:          result.Chunk.Seq,
		Text:         text,
		Speaker:      speaker,
		StartSeconds: segment.StartTime,
		EndSeconds:   segment.EndTime,
	})
	p.logger.Debug("Transcript segment added",
		slog.String("meeting_id", meeting.ID),
		slog.Uint64("seq", result.Chunk.Seq),
		slog.String("speaker", speaker),
		slog.Int("chars", len(text)))
}

// nextSpeakerLocked alternates between two speaker labels. The first segment
// is always Speaker 1; later segments toggle when the preceding chunk ended
// on a turn boundary.
func (p *Pipeline) nextSpeakerLocked(boundary bool) string {
	switch {
	case p.speaker == 0:
		p.speaker = 1
	case boundary:
		p.speaker = 3 - p.speaker
	}
	return fmt.Sprintf("Speaker %d", p.speaker)
}

func (p *Pipeline) enqueueChunk(ctx context.Context, q *queue.TranscriptionQueue, chunk *audio.Chunk, meetingID string) {
	chunk.MeetingID = meetingID
	if p.metrics != nil {
		p.metrics.RecordChunkProduced(chunk.Kind.String(), chunk.Duration().Seconds(), chunk.Silent)
	}
	if err := q.Enqueue(ctx, chunk); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		p.recordError("queue", err)
		p.logger.Warn("Failed to enqueue chunk",
			slog.String("chunk_id", chunk.ID),
			slog.Uint64("seq", chunk.Seq),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) recordError(scope string, err error) {
	if err == nil {
		return
	}
	entry := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339), scope, err.Error())

	p.errMu.Lock()
	p.errorLog = append(p.errorLog, entry)
	if len(p.errorLog) > errorLogCapacity {
		p.errorLog = p.errorLog[len(p.errorLog)-errorLogCapacity:]
	}
	p.errMu.Unlock()
}

// watchEvents feeds capture restart failures from the event bus into the
// error log. The loop ends when the subscription closes.
func (p *Pipeline) watchEvents() {
	defer close(p.eventDone)
	for envelope := range p.eventCh {
		if envelope.Type != events.RestartFailed {
			continue
		}
		var data events.RestartFailedData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			continue
		}
		p.recordError("capture", fmt.Errorf("restart attempt %d: %s", data.Attempt, data.Error))
	}
}

func (p *Pipeline) currentConfig() *config.Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

func (p *Pipeline) isPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// chunkInterval returns the pump cadence, re-read from config so reloads
// take effect on the next tick.
func (p *Pipeline) chunkInterval() time.Duration {
	d := p.currentConfig().Segmenter.GetChunkDuration()
	if d < minPumpInterval {
		return minPumpInterval
	}
	if d > maxPumpInterval {
		return maxPumpInterval
	}
	return d
}

// pumpLoop drains the capture ring into the segmenter on the configured
// cadence. Cursor state lives here; only the pump goroutine touches it.
type pumpLoop struct {
	pipeline  *Pipeline
	ring      *audio.RingBuffer
	detector  *vad.Detector
	segmenter *audio.Segmenter
	queue     *queue.TranscriptionQueue
	meetingID string

	cursor      uint64
	carry       []float32
	carryOffset uint64
}

func (l *pumpLoop) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Enqueues during normal operation abort when stop closes, so a
	// backpressured pump cannot stall shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		<-stop
		cancelRun()
	}()

	for {
		select {
		case <-stop:
			// One last drain plus a segmenter flush so audio captured
			// since the previous tick makes the transcript.
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			l.drain(flushCtx)
			if chunk := l.segmenter.Flush(); chunk != nil {
				l.pipeline.enqueueChunk(flushCtx, l.queue, chunk, l.meetingID)
			}
			cancel()
			return
		case <-time.After(l.pipeline.chunkInterval()):
		}

		if l.pipeline.isPaused() {
			continue
		}
		l.drain(runCtx)
	}
}

// drain reads everything new from the ring, windows it through the silence
// detector, and feeds the segmenter. A remainder shorter than one window is
// carried into the next drain.
func (l *pumpLoop) drain(ctx context.Context) {
	samples, next, skipped := l.ring.ReadFrom(l.cursor)
	l.cursor = next
	if skipped > 0 {
		l.carry = nil
		l.pipeline.logger.Warn("Capture outran the transcription reader",
			slog.Uint64("skipped_samples", skipped))
	}

	var buf []float32
	var offset uint64
	if len(l.carry) > 0 {
		buf = append(l.carry, samples...)
		offset = l.carryOffset
	} else {
		buf = samples
		offset = next - uint64(len(samples))
	}
	if len(buf) == 0 {
		return
	}

	windowSize := l.detector.WindowSize()
	i := 0
	for ; i+windowSize <= len(buf); i += windowSize {
		window := buf[i : i+windowSize]
		result, err := l.detector.Process(window)
		if err != nil {
			continue
		}
		if chunk := l.segmenter.ProcessWindow(window, offset+uint64(i), result.Silent); chunk != nil {
			l.pipeline.enqueueChunk(ctx, l.queue, chunk, l.meetingID)
		}
	}
	l.carry = append([]float32(nil), buf[i:]...)
	l.carryOffset = offset + uint64(i)
}
