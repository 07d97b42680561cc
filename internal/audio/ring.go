package audio

import (
	"fmt"
	"sync"
)

// TargetSampleRate is the pipeline-wide sample rate. Every component past the
// Resampler works with mono float32 PCM at this rate.
const TargetSampleRate = 16000

// RingBuffer is a fixed-capacity sample store with overwrite-oldest semantics.
// The capture path writes into it and the segmenter reads from it; when a write
// would exceed capacity the oldest samples are discarded and counted.
type RingBuffer struct {
	capacity int
	data     []float32

	// Monotonic cursors. head is the total number of samples ever written,
	// tail is the absolute position of the oldest retained sample.
	// head - tail <= capacity at all times.
	head uint64
	tail uint64

	// Lifetime counters
	overwritten   uint64 // Samples discarded by overflow; survives Clear
	totalWritten  uint64
	totalOverruns uint64 // Write calls that discarded at least one sample

	mu sync.RWMutex
}

// RingStats represents ring buffer statistics for monitoring
type RingStats struct {
	CapacitySamples    int     `json:"buffer_capacity_samples"`
	SizeSamples        int     `json:"buffer_size_samples"`
	FillPercent        float32 `json:"buffer_fill_percent"`
	WriteCursor        uint64  `json:"write_cursor"`
	OverwrittenSamples uint64  `json:"overwritten_samples"`
	TotalWritten       uint64  `json:"total_written_samples"`
	OverrunWrites      uint64  `json:"overrun_writes"`
}

// NewRingBuffer creates a ring buffer holding at most capacity samples.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}

	return &RingBuffer{
		capacity: capacity,
		data:     make([]float32, capacity),
	}, nil
}

// Write appends samples, evicting the oldest ones when the buffer is full.
// It returns the number of samples discarded by this write. A write larger
// than the whole buffer keeps only the trailing capacity samples.
func (r *RingBuffer) Write(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0

	// An oversized write can never fit; skip the leading excess up front.
	if len(samples) > r.capacity {
		dropped = len(samples) - r.capacity
		samples = samples[dropped:]
	}

	for _, s := range samples {
		r.data[r.head%uint64(r.capacity)] = s
		r.head++
	}
	r.totalWritten += uint64(len(samples)) + uint64(dropped)

	// Advance tail past anything the write ran over.
	if r.head-r.tail > uint64(r.capacity) {
		overflow := r.head - r.tail - uint64(r.capacity)
		r.tail += overflow
		dropped += int(overflow)
	}

	if dropped > 0 {
		r.overwritten += uint64(dropped)
		r.totalOverruns++
	}

	return dropped
}

// ReadLatest returns a copy of the most recent n samples without consuming
// them. If fewer than n samples are buffered, all of them are returned.
func (r *RingBuffer) ReadLatest(n int) []float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	size := int(r.head - r.tail)
	if n > size {
		n = size
	}
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	start := r.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = r.data[(start+uint64(i))%uint64(r.capacity)]
	}

	return out
}

// ReadFrom returns all samples from the absolute cursor position up to the
// write cursor, together with the next cursor value. If the requested
// position has already been evicted, reading resumes at the oldest retained
// sample and skipped reports how many samples were lost to the reader.
// A cursor beyond the write cursor (the buffer was cleared) restarts at the
// oldest retained sample.
func (r *RingBuffer) ReadFrom(cursor uint64) (samples []float32, next uint64, skipped uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cursor > r.head {
		cursor = r.tail
	}
	if cursor < r.tail {
		skipped = r.tail - cursor
		cursor = r.tail
	}

	n := int(r.head - cursor)
	if n == 0 {
		return nil, cursor, skipped
	}

	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = r.data[(cursor+uint64(i))%uint64(r.capacity)]
	}

	return samples, r.head, skipped
}

// Clear resets the fill count and write cursor. The overwritten counter is a
// lifetime audit value and is not touched; it resets only with the buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.tail = 0
}

// Size returns the current number of buffered samples.
func (r *RingBuffer) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.head - r.tail)
}

// Capacity returns the maximum number of samples the buffer can hold.
func (r *RingBuffer) Capacity() int {
	return r.capacity
}

// FillPercent returns the current fill level as a percentage of capacity.
func (r *RingBuffer) FillPercent() float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float32(r.head-r.tail) / float32(r.capacity) * 100
}

// WriteCursor returns the total number of samples ever written.
func (r *RingBuffer) WriteCursor() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

// OverwrittenSamples returns the lifetime count of samples lost to overflow.
func (r *RingBuffer) OverwrittenSamples() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overwritten
}

// GetStats returns current ring buffer statistics
func (r *RingBuffer) GetStats() RingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := int(r.head - r.tail)

	return RingStats{
		CapacitySamples:    r.capacity,
		SizeSamples:        size,
		FillPercent:        float32(size) / float32(r.capacity) * 100,
		WriteCursor:        r.head,
		OverwrittenSamples: r.overwritten,
		TotalWritten:       r.totalWritten,
		OverrunWrites:      r.totalOverruns,
	}
}
