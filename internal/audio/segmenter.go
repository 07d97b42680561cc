package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ChunkKind identifies how a chunk's boundaries were chosen.
type ChunkKind int

const (
	KindVAD ChunkKind = iota
	KindFixed
)

// String returns the kind as a short label.
func (k ChunkKind) String() string {
	switch k {
	case KindVAD:
		return "vad"
	case KindFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// SegmentState represents the current state of the segmentation process
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
)

// Chunk is a contiguous span of pipeline-rate audio ready for transcription.
// Offsets are absolute sample positions since capture start; Seq is the
// strict enqueue order the queue must preserve on emission.
type Chunk struct {
	ID          string    `json:"chunk_id"`
	Seq         uint64    `json:"seq"`
	MeetingID   string    `json:"meeting_id,omitempty"`
	StartOffset uint64    `json:"start_offset_samples"`
	EndOffset   uint64    `json:"end_offset_samples"`
	Samples     []float32 `json:"-"`
	SampleRate  int       `json:"sample_rate"`
	Silent      bool      `json:"silent"`
	Kind        ChunkKind `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// Duration returns the chunk length as play time.
func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.EndOffset-c.StartOffset) * time.Second / time.Duration(c.SampleRate)
}

// StartSeconds returns the chunk start relative to capture start.
func (c *Chunk) StartSeconds() float64 {
	return float64(c.StartOffset) / float64(c.SampleRate)
}

// EndSeconds returns the chunk end relative to capture start.
func (c *Chunk) EndSeconds() float64 {
	return float64(c.EndOffset) / float64(c.SampleRate)
}

// SegmenterConfig contains configuration for voice-activity segmentation
type SegmenterConfig struct {
	SampleRate         int
	MinSegmentDuration time.Duration // Segments shorter than this merge forward
	MaxChunkDuration   time.Duration // Hard cap, the transcription cadence bound
	BoundarySilence    time.Duration // Silence run that closes a segment
}

// Segmenter turns a stream of classified audio windows into bounded speech
// chunks. Windows arrive in order with absolute sample offsets; chunks come
// out in strictly increasing offset and sequence order.
//
// A silence run of at least BoundarySilence closes the accumulating segment,
// unless the segment is still shorter than MinSegmentDuration, in which case
// it keeps accumulating and merges forward into the next speech run. A
// segment reaching MaxChunkDuration is emitted regardless.
type Segmenter struct {
	config SegmenterConfig
	state  SegmentState

	// Accumulation state. samples holds the chunk under construction
	// starting at absolute offset chunkStart; held is the current silence
	// run, not yet committed to the chunk.
	chunkStart uint64
	samples    []float32
	held       []float32
	silenceRun uint64

	// Sequence tracking
	nextSeq uint64

	// Statistics
	chunksCreated uint64
	totalDuration time.Duration

	mu sync.RWMutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State            string  `json:"state"`
	ChunksCreated    uint64  `json:"chunks_created"`
	PendingSamples   int     `json:"pending_samples"`
	AvgChunkDuration float64 `json:"avg_chunk_duration_sec"`
}

// NewSegmenter creates a segmenter with the given configuration.
func NewSegmenter(config SegmenterConfig) (*Segmenter, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.MaxChunkDuration <= 0 {
		return nil, fmt.Errorf("max chunk duration must be positive, got %v", config.MaxChunkDuration)
	}
	if config.MinSegmentDuration < 0 {
		return nil, fmt.Errorf("min segment duration must not be negative, got %v", config.MinSegmentDuration)
	}
	if config.BoundarySilence <= 0 {
		config.BoundarySilence = 700 * time.Millisecond
	}

	return &Segmenter{
		config: config,
		state:  StateIdle,
	}, nil
}

// ProcessWindow feeds one classified window into the segmenter. The window
// begins at the given absolute sample offset. A non-nil chunk is returned
// when the window completes a segment.
func (s *Segmenter) ProcessWindow(window []float32, offset uint64, silent bool) *Chunk {
	if len(window) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A gap in the offset stream means the ring buffer overran the reader.
	// The accumulated audio is still valid; close it out and start over.
	if s.state == StateCollecting && offset != s.chunkStart+uint64(len(s.samples))+uint64(len(s.held)) {
		chunk := s.finalizeLocked()
		s.beginWindow(window, offset, silent)
		return chunk
	}

	switch s.state {
	case StateIdle:
		if !silent {
			s.beginWindow(window, offset, silent)
		}
		return nil

	case StateCollecting:
		if silent {
			s.held = append(s.held, window...)
			s.silenceRun += uint64(len(window))

			// Bound memory while merging forward across a long gap.
			if len(s.samples)+len(s.held) >= s.maxChunkSamples() {
				s.samples = append(s.samples, s.held...)
				s.held = nil
				s.silenceRun = 0
				return s.finalizeLocked()
			}

			if s.silenceRun >= s.boundarySamples() && len(s.samples) >= s.minSegmentSamples() {
				return s.finalizeLocked()
			}
			return nil
		}

		// Speech resumed: the silence run becomes interior gap.
		if len(s.held) > 0 {
			s.samples = append(s.samples, s.held...)
			s.held = nil
		}
		s.silenceRun = 0
		s.samples = append(s.samples, window...)

		if len(s.samples) >= s.maxChunkSamples() {
			return s.finalizeLocked()
		}
		return nil
	}

	return nil
}

// Flush emits whatever is currently accumulated, trailing silence excluded.
// Returns nil when nothing is pending. Used on stop and on mode switches.
func (s *Segmenter) Flush() *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting || len(s.samples) == 0 {
		s.reset()
		return nil
	}

	return s.finalizeLocked()
}

// beginWindow starts a new accumulation with the given window.
func (s *Segmenter) beginWindow(window []float32, offset uint64, silent bool) {
	if silent {
		s.reset()
		return
	}
	s.chunkStart = offset
	s.samples = append([]float32(nil), window...)
	s.held = nil
	s.silenceRun = 0
	s.state = StateCollecting
}

// finalizeLocked closes the accumulated samples into a chunk and resets.
// Caller holds the lock.
func (s *Segmenter) finalizeLocked() *Chunk {
	if len(s.samples) == 0 {
		s.reset()
		return nil
	}

	chunk := &Chunk{
		ID:          xid.New().String(),
		Seq:         s.nextSeq,
		StartOffset: s.chunkStart,
		EndOffset:   s.chunkStart + uint64(len(s.samples)),
		Samples:     s.samples,
		SampleRate:  s.config.SampleRate,
		Kind:        KindVAD,
		CreatedAt:   time.Now(),
	}
	s.nextSeq++
	s.chunksCreated++
	s.totalDuration += chunk.Duration()

	s.samples = nil
	s.reset()

	return chunk
}

// reset returns the segmenter to idle without touching counters.
func (s *Segmenter) reset() {
	s.state = StateIdle
	s.samples = nil
	s.held = nil
	s.silenceRun = 0
	s.chunkStart = 0
}

// SetMinSegmentDuration updates the forward-merge floor at runtime.
func (s *Segmenter) SetMinSegmentDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("min segment duration must not be negative, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.MinSegmentDuration = d
	return nil
}

// SetMaxChunkDuration updates the transcription cadence cap at runtime.
func (s *Segmenter) SetMaxChunkDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("max chunk duration must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.MaxChunkDuration = d
	return nil
}

// NextSeq returns the sequence number the next chunk will carry.
func (s *Segmenter) NextSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateStr := "idle"
	if s.state == StateCollecting {
		stateStr = "collecting"
	}

	avgDuration := float64(0)
	if s.chunksCreated > 0 {
		avgDuration = s.totalDuration.Seconds() / float64(s.chunksCreated)
	}

	return SegmenterStats{
		State:            stateStr,
		ChunksCreated:    s.chunksCreated,
		PendingSamples:   len(s.samples) + len(s.held),
		AvgChunkDuration: avgDuration,
	}
}

func (s *Segmenter) minSegmentSamples() int {
	return int(s.config.MinSegmentDuration.Seconds() * float64(s.config.SampleRate))
}

func (s *Segmenter) maxChunkSamples() int {
	return int(s.config.MaxChunkDuration.Seconds() * float64(s.config.SampleRate))
}

func (s *Segmenter) boundarySamples() uint64 {
	return uint64(s.config.BoundarySilence.Seconds() * float64(s.config.SampleRate))
}

// FixedWindow is a half-open sample range [Start, End) within a recording.
type FixedWindow struct {
	Start int
	End   int
}

// BuildFixedWindows slices a recording of totalSamples into fixed-length
// windows with a small overlap between neighbors. Window length is clamped
// to [20, 60] seconds to keep enough context per window. The final window
// never consists of overlap alone.
func BuildFixedWindows(totalSamples int, windowSeconds int, overlapSeconds float64, sampleRate int) []FixedWindow {
	if totalSamples <= 0 || sampleRate <= 0 {
		return nil
	}

	if windowSeconds < 20 {
		windowSeconds = 20
	}
	if windowSeconds > 60 {
		windowSeconds = 60
	}
	windowLen := sampleRate * windowSeconds
	overlap := int(math.Round(float64(sampleRate) * overlapSeconds))

	var windows []FixedWindow
	start := 0
	for start < totalSamples {
		end := start + windowLen
		if end > totalSamples {
			end = totalSamples
		}
		windows = append(windows, FixedWindow{Start: start, End: end})
		if end == totalSamples {
			break
		}
		if end >= overlap {
			next := end - overlap
			if next > start {
				start = next
			} else {
				start = end
			}
		} else {
			start = end
		}
	}

	return windows
}
