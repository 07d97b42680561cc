package audio

import (
	"sync"
	"testing"
)

// ramp returns n samples with values offset, offset+1, ... encoded as floats.
func ramp(offset, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(offset + i)
	}
	return out
}

func TestRingBufferBasicWrite(t *testing.T) {
	rb, err := NewRingBuffer(100)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	dropped := rb.Write(ramp(0, 40))
	if dropped != 0 {
		t.Errorf("Expected 0 dropped samples, got %d", dropped)
	}

	if rb.Size() != 40 {
		t.Errorf("Expected size 40, got %d", rb.Size())
	}

	if rb.OverwrittenSamples() != 0 {
		t.Errorf("Expected 0 overwritten samples, got %d", rb.OverwrittenSamples())
	}

	latest := rb.ReadLatest(10)
	if len(latest) != 10 {
		t.Fatalf("Expected 10 samples, got %d", len(latest))
	}
	if latest[0] != 30 || latest[9] != 39 {
		t.Errorf("Expected latest samples [30..39], got [%v..%v]", latest[0], latest[9])
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb, err := NewRingBuffer(100)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	rb.Write(ramp(0, 80))
	dropped := rb.Write(ramp(80, 50))

	if dropped != 30 {
		t.Errorf("Expected 30 dropped samples, got %d", dropped)
	}
	if rb.Size() != 100 {
		t.Errorf("Expected size 100 after overflow, got %d", rb.Size())
	}
	if rb.OverwrittenSamples() != 30 {
		t.Errorf("Expected overwritten_samples 30, got %d", rb.OverwrittenSamples())
	}

	// Content must be the most recent 100 samples: 30..129.
	latest := rb.ReadLatest(100)
	if latest[0] != 30 {
		t.Errorf("Expected oldest retained sample 30, got %v", latest[0])
	}
	if latest[99] != 129 {
		t.Errorf("Expected newest sample 129, got %v", latest[99])
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb, err := NewRingBuffer(50)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	dropped := rb.Write(ramp(0, 130))
	if dropped != 80 {
		t.Errorf("Expected 80 dropped samples, got %d", dropped)
	}
	if rb.Size() != 50 {
		t.Errorf("Expected size 50, got %d", rb.Size())
	}

	// Only the trailing 50 samples survive: 80..129.
	latest := rb.ReadLatest(50)
	if latest[0] != 80 || latest[49] != 129 {
		t.Errorf("Expected retained samples [80..129], got [%v..%v]", latest[0], latest[49])
	}
}

func TestRingBufferFillNeverExceedsCapacity(t *testing.T) {
	rb, err := NewRingBuffer(64)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	totalDropped := uint64(0)
	totalWritten := 0
	for i, n := range []int{1, 7, 64, 100, 3, 63, 65, 128, 2} {
		totalDropped += uint64(rb.Write(ramp(i*1000, n)))
		totalWritten += n

		if rb.Size() > rb.Capacity() {
			t.Fatalf("Fill count %d exceeds capacity %d after write %d", rb.Size(), rb.Capacity(), i)
		}
	}

	// Cumulative overflow accounting: everything written either fits or was
	// counted as overwritten.
	if uint64(totalWritten) != uint64(rb.Size())+rb.OverwrittenSamples() {
		t.Errorf("Expected written %d = size %d + overwritten %d",
			totalWritten, rb.Size(), rb.OverwrittenSamples())
	}
	if rb.OverwrittenSamples() != totalDropped {
		t.Errorf("Expected overwritten_samples %d to equal summed drop counts %d",
			rb.OverwrittenSamples(), totalDropped)
	}
}

// Continuous capture scenario: 90s buffer at 16kHz, 100s of audio written.
func TestRingBufferSteadyStateScenario(t *testing.T) {
	capacity := 90 * TargetSampleRate
	rb, err := NewRingBuffer(capacity)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	// Write 100 seconds in 100ms frames.
	frame := make([]float32, TargetSampleRate/10)
	for i := 0; i < 1000; i++ {
		rb.Write(frame)
	}

	expectedOverwritten := uint64(10 * TargetSampleRate)
	if rb.OverwrittenSamples() != expectedOverwritten {
		t.Errorf("Expected overwritten_samples %d, got %d", expectedOverwritten, rb.OverwrittenSamples())
	}

	if rb.FillPercent() != 100.0 {
		t.Errorf("Expected buffer_fill_percent 100.0, got %v", rb.FillPercent())
	}
}

func TestRingBufferReadFrom(t *testing.T) {
	rb, err := NewRingBuffer(100)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	rb.Write(ramp(0, 30))

	samples, next, skipped := rb.ReadFrom(0)
	if skipped != 0 {
		t.Errorf("Expected 0 skipped samples, got %d", skipped)
	}
	if len(samples) != 30 {
		t.Fatalf("Expected 30 samples, got %d", len(samples))
	}
	if next != 30 {
		t.Errorf("Expected next cursor 30, got %d", next)
	}

	// Nothing new: empty read, cursor stays put.
	samples, next, skipped = rb.ReadFrom(next)
	if len(samples) != 0 || next != 30 || skipped != 0 {
		t.Errorf("Expected empty read at cursor 30, got %d samples, next %d, skipped %d",
			len(samples), next, skipped)
	}

	rb.Write(ramp(30, 20))
	samples, next, _ = rb.ReadFrom(next)
	if len(samples) != 20 || samples[0] != 30 || samples[19] != 49 {
		t.Errorf("Expected samples [30..49], got %d samples starting at %v", len(samples), samples[0])
	}
	if next != 50 {
		t.Errorf("Expected next cursor 50, got %d", next)
	}
}

func TestRingBufferReadFromAfterOverrun(t *testing.T) {
	rb, err := NewRingBuffer(50)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	rb.Write(ramp(0, 30))
	_, cursor, _ := rb.ReadFrom(0)

	// 100 more samples evict everything the reader has not consumed.
	rb.Write(ramp(30, 100))

	samples, next, skipped := rb.ReadFrom(cursor)
	if skipped != 50 {
		t.Errorf("Expected 50 skipped samples after overrun, got %d", skipped)
	}
	if len(samples) != 50 {
		t.Fatalf("Expected 50 samples, got %d", len(samples))
	}
	if samples[0] != 80 {
		t.Errorf("Expected oldest readable sample 80, got %v", samples[0])
	}
	if next != 130 {
		t.Errorf("Expected next cursor 130, got %d", next)
	}
}

func TestRingBufferClearKeepsOverwritten(t *testing.T) {
	rb, err := NewRingBuffer(20)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	rb.Write(ramp(0, 35))
	if rb.OverwrittenSamples() != 15 {
		t.Fatalf("Expected 15 overwritten samples, got %d", rb.OverwrittenSamples())
	}

	rb.Clear()

	if rb.Size() != 0 {
		t.Errorf("Expected size 0 after clear, got %d", rb.Size())
	}
	if rb.WriteCursor() != 0 {
		t.Errorf("Expected write cursor 0 after clear, got %d", rb.WriteCursor())
	}
	if rb.OverwrittenSamples() != 15 {
		t.Errorf("Expected overwritten_samples to survive clear, got %d", rb.OverwrittenSamples())
	}

	// A stale cursor from before the clear restarts at the oldest sample.
	rb.Write(ramp(100, 5))
	samples, _, _ := rb.ReadFrom(35)
	if len(samples) != 5 {
		t.Errorf("Expected 5 samples after clear and rewrite, got %d", len(samples))
	}
}

func TestRingBufferConcurrentAccess(t *testing.T) {
	rb, err := NewRingBuffer(1000)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	done := make(chan bool)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		frame := make([]float32, 160)
		for i := 0; i < 500; i++ {
			rb.Write(frame)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cursor := uint64(0)
		for i := 0; i < 500; i++ {
			_, next, _ := rb.ReadFrom(cursor)
			cursor = next
			rb.ReadLatest(100)
			rb.GetStats()
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()
	<-done

	stats := rb.GetStats()
	if stats.TotalWritten != 500*160 {
		t.Errorf("Expected total_written %d, got %d", 500*160, stats.TotalWritten)
	}
	if stats.SizeSamples > stats.CapacitySamples {
		t.Errorf("Fill count %d exceeds capacity %d", stats.SizeSamples, stats.CapacitySamples)
	}
}

func TestNewRingBufferInvalidCapacity(t *testing.T) {
	if _, err := NewRingBuffer(0); err == nil {
		t.Error("Expected error for zero capacity")
	}
	if _, err := NewRingBuffer(-10); err == nil {
		t.Error("Expected error for negative capacity")
	}
}
