package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
)

// ErrQueueClosed is returned by Enqueue once Close has been called.
var ErrQueueClosed = errors.New("transcription queue is closed")

// Transcript is the text produced for one audio chunk.
type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Transcriber turns one chunk into a transcript. Implementations must honor
// the context deadline; the queue cancels it when the per-item timeout fires.
type Transcriber func(ctx context.Context, chunk *audio.Chunk) (*Transcript, error)

// Result is the outcome for one chunk. Results arrive on the Results channel
// in strict Seq order. Err is set when every attempt failed; the chunk's slot
// in the output order is still occupied so later results are never held back.
type Result struct {
	Chunk      *audio.Chunk  `json:"chunk"`
	Transcript *Transcript   `json:"transcript,omitempty"`
	Err        error         `json:"-"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Config contains transcription queue configuration
type Config struct {
	Capacity    int           // Bounded channel size; Enqueue blocks when full
	Workers     int           // Concurrent transcription workers
	MaxRetries  int           // Retries after the first failed attempt
	ItemTimeout time.Duration // Per-attempt transcription deadline
	RetryDelay  time.Duration // Pause between attempts
	StartSeq    uint64        // First sequence number expected on emission
}

// QueueStats represents queue statistics
type QueueStats struct {
	Queued         int     `json:"queued"`
	Processing     int     `json:"processing"`
	Completed      uint64  `json:"completed"`
	Failed         uint64  `json:"failed"`
	Retries        uint64  `json:"retries"`
	BacklogSeconds float64 `json:"backlog_seconds"`
	PendingReorder int     `json:"pending_reorder"`
}

// TranscriptionQueue accepts segmented chunks, transcribes them on a worker
// pool, and emits results in chunk sequence order. The input channel is
// bounded; a full queue pushes back on the producer instead of growing.
type TranscriptionQueue struct {
	config     Config
	transcribe Transcriber
	journal    *Journal
	metrics    *metrics.Metrics
	logger     *slog.Logger

	items   chan *audio.Chunk
	results chan Result
	reorder *reorderBuffer
	wg      sync.WaitGroup

	// closeMu serializes Enqueue against Close so the items channel is
	// never closed while a producer is blocked sending on it.
	closeMu sync.RWMutex
	closed  bool

	// Statistics
	processing     int
	completed      uint64
	failed         uint64
	retries        uint64
	backlogSeconds float64

	mu sync.RWMutex
}

// NewQueue creates a transcription queue and starts its workers. The journal
// may be nil to run without persistence.
func NewQueue(config Config, transcribe Transcriber, journal *Journal, m *metrics.Metrics, logger *slog.Logger) (*TranscriptionQueue, error) {
	if transcribe == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}
	if config.Capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", config.Capacity)
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", config.Workers)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", config.MaxRetries)
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	results := make(chan Result, config.Capacity)
	q := &TranscriptionQueue{
		config:     config,
		transcribe: transcribe,
		journal:    journal,
		metrics:    m,
		logger:     logger,
		items:      make(chan *audio.Chunk, config.Capacity),
		results:    results,
		reorder:    newReorderBuffer(config.StartSeq, results),
	}

	for i := 0; i < config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q, nil
}

// Enqueue hands a chunk to the queue. It blocks while the queue is at
// capacity and returns the context error if the caller gives up first.
// After Close it returns ErrQueueClosed.
func (q *TranscriptionQueue) Enqueue(ctx context.Context, chunk *audio.Chunk) error {
	if chunk == nil {
		return fmt.Errorf("chunk cannot be nil")
	}

	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	// A dead context refuses immediately even when a slot is free.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case q.items <- chunk:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	q.backlogSeconds += chunk.Duration().Seconds()
	backlog := q.backlogSeconds
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.RecordQueued(chunk); err != nil {
			q.logger.Warn("Queue journal write failed",
				slog.String("chunk_id", chunk.ID),
				slog.String("error", err.Error()))
		}
	}

	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.items))
		q.metrics.SetQueueBacklogSeconds(backlog)
	}

	return nil
}

// Results returns the ordered result stream. The channel is closed after
// Close has drained every accepted chunk.
func (q *TranscriptionQueue) Results() <-chan Result {
	return q.results
}

// Close stops accepting chunks, waits for the workers to drain everything
// already accepted, and closes the results channel. Safe to call twice.
func (q *TranscriptionQueue) Close() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.closeMu.Unlock()

	q.wg.Wait()
	close(q.results)
}

// worker pulls chunks until the items channel closes.
func (q *TranscriptionQueue) worker(id int) {
	defer q.wg.Done()

	for chunk := range q.items {
		q.process(chunk)
	}

	q.logger.Debug("Queue worker stopped", slog.Int("worker", id))
}

// process runs one chunk through the transcriber with retries and hands the
// outcome to the reorder buffer.
func (q *TranscriptionQueue) process(chunk *audio.Chunk) {
	q.mu.Lock()
	q.processing++
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.items))
		q.metrics.SetQueueInFlight(q.processingCount())
	}

	maxAttempts := q.config.MaxRetries + 1
	started := time.Now()

	var transcript *Transcript
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			q.mu.Lock()
			q.retries++
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.RecordTranscriptionRetry()
			}
			time.Sleep(q.config.RetryDelay)
		}

		if q.journal != nil {
			if err := q.journal.MarkProcessing(chunk.ID, attempt); err != nil {
				q.logger.Warn("Queue journal update failed",
					slog.String("chunk_id", chunk.ID),
					slog.String("error", err.Error()))
			}
		}
		if q.metrics != nil {
			q.metrics.RecordTranscriptionRequest()
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.config.ItemTimeout)
		transcript, lastErr = q.transcribe(ctx, chunk)
		cancel()

		if lastErr == nil {
			break
		}

		q.logger.Warn("Transcription attempt failed",
			slog.String("chunk_id", chunk.ID),
			slog.Uint64("seq", chunk.Seq),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", lastErr.Error()))
	}

	elapsed := time.Since(started)
	result := Result{
		Chunk:      chunk,
		Transcript: transcript,
		Attempts:   attempts,
		Elapsed:    elapsed,
	}

	if lastErr != nil {
		result.Transcript = nil
		result.Err = fmt.Errorf("transcription failed after %d attempts: %w", attempts, lastErr)
	}

	q.recordOutcome(chunk, result, elapsed, lastErr)
	q.reorder.push(result)
}

// recordOutcome updates statistics, the journal, and metrics for a finished
// chunk before its result is released.
func (q *TranscriptionQueue) recordOutcome(chunk *audio.Chunk, result Result, elapsed time.Duration, lastErr error) {
	q.mu.Lock()
	q.processing--
	q.backlogSeconds -= chunk.Duration().Seconds()
	if q.backlogSeconds < 0 {
		q.backlogSeconds = 0
	}
	if lastErr == nil {
		q.completed++
	} else {
		q.failed++
	}
	backlog := q.backlogSeconds
	q.mu.Unlock()

	if q.journal != nil {
		var err error
		if lastErr == nil {
			err = q.journal.MarkDone(chunk.ID)
		} else {
			err = q.journal.MarkFailed(chunk.ID, result.Attempts, lastErr.Error())
		}
		if err != nil {
			q.logger.Warn("Queue journal update failed",
				slog.String("chunk_id", chunk.ID),
				slog.String("error", err.Error()))
		}
	}

	if q.metrics != nil {
		q.metrics.SetQueueInFlight(q.processingCount())
		q.metrics.SetQueueBacklogSeconds(backlog)
		if lastErr == nil {
			q.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
		} else {
			q.metrics.RecordTranscriptionFailure(elapsed.Seconds())
			q.metrics.RecordQueueDrop()
		}
	}

	if lastErr != nil {
		q.logger.Error("Chunk dropped after exhausting retries",
			slog.String("chunk_id", chunk.ID),
			slog.Uint64("seq", chunk.Seq),
			slog.Int("attempts", result.Attempts),
			slog.String("error", lastErr.Error()))
	}
}

func (q *TranscriptionQueue) processingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.processing
}

// QueueStatus reports the queue section of a metrics snapshot.
func (q *TranscriptionQueue) QueueStatus() metrics.QueueStatus {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return metrics.QueueStatus{
		Queued:         len(q.items),
		Processing:     q.processing,
		BacklogSeconds: q.backlogSeconds,
	}
}

// GetStats returns current queue statistics
func (q *TranscriptionQueue) GetStats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return QueueStats{
		Queued:         len(q.items),
		Processing:     q.processing,
		Completed:      q.completed,
		Failed:         q.failed,
		Retries:        q.retries,
		BacklogSeconds: q.backlogSeconds,
		PendingReorder: q.reorder.pendingCount(),
	}
}
