package audio

import (
	"fmt"
	"time"
)

// Frame is a block of interleaved PCM samples as produced by a capture device.
// Samples are float32 in [-1, 1]; multi-channel frames are interleaved.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// SampleCount returns the number of per-channel samples in the frame.
func (f Frame) SampleCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}

// Resampler converts device-native audio to mono at TargetSampleRate using
// linear interpolation. Read positions are derived from integer sample
// counters, so output is deterministic, independent of how the input is
// split into frames, and free of drift over arbitrarily long runs. Ordering
// is preserved and no samples are dropped; any loss downstream is the ring
// buffer's overflow accounting, never the resampler's.
//
// A Resampler is confined to the capture goroutine and is not safe for
// concurrent use.
type Resampler struct {
	inRate   int
	channels int

	// pending holds downmixed input not yet consumed by interpolation.
	// pending[0] is the input sample with global index inConsumed.
	pending    []float32
	inConsumed uint64
	outCount   uint64

	passthrough bool
}

// NewResampler creates a resampler for a device producing the given rate and
// channel count.
func NewResampler(inRate, channels int) (*Resampler, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("input sample rate must be positive, got %d", inRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	return &Resampler{
		inRate:      inRate,
		channels:    channels,
		passthrough: inRate == TargetSampleRate,
	}, nil
}

// Ratio returns the exact conversion ratio TargetSampleRate / inRate.
func (r *Resampler) Ratio() float64 {
	return float64(TargetSampleRate) / float64(r.inRate)
}

// InputRate returns the device sample rate this resampler was built for.
func (r *Resampler) InputRate() int {
	return r.inRate
}

// Process converts one frame to mono samples at TargetSampleRate. The frame
// must match the rate and channel count the resampler was created with.
func (r *Resampler) Process(frame Frame) ([]float32, error) {
	if frame.SampleRate != r.inRate {
		return nil, fmt.Errorf("frame sample rate %d does not match resampler input rate %d", frame.SampleRate, r.inRate)
	}
	if frame.Channels != r.channels {
		return nil, fmt.Errorf("frame channel count %d does not match resampler channel count %d", frame.Channels, r.channels)
	}
	if len(frame.Samples) == 0 {
		return nil, nil
	}
	if len(frame.Samples)%r.channels != 0 {
		return nil, fmt.Errorf("frame length %d is not a multiple of channel count %d", len(frame.Samples), r.channels)
	}

	mono := downmix(frame.Samples, r.channels)
	if r.passthrough {
		return mono, nil
	}

	r.pending = append(r.pending, mono...)
	available := r.inConsumed + uint64(len(r.pending))

	out := make([]float32, 0, len(r.pending)*TargetSampleRate/r.inRate+1)
	for {
		// Output sample k reads input position k*inRate/outRate, kept as an
		// exact integer fraction.
		num := r.outCount * uint64(r.inRate)
		idx := num / TargetSampleRate
		if idx+1 >= available {
			break
		}

		local := int(idx - r.inConsumed)
		frac := float32(num%TargetSampleRate) / float32(TargetSampleRate)
		out = append(out, r.pending[local]*(1-frac)+r.pending[local+1]*frac)
		r.outCount++
	}

	// Drop input the interpolation has moved past.
	nextIdx := r.outCount * uint64(r.inRate) / TargetSampleRate
	if nextIdx > r.inConsumed {
		drop := nextIdx - r.inConsumed
		if drop > uint64(len(r.pending)) {
			drop = uint64(len(r.pending))
		}
		r.pending = r.pending[:copy(r.pending, r.pending[drop:])]
		r.inConsumed += drop
	}

	return out, nil
}

// Reset discards carried state. Call when the device stream restarts.
func (r *Resampler) Reset() {
	r.pending = r.pending[:0]
	r.inConsumed = 0
	r.outCount = 0
}

// downmix averages interleaved channels into a mono signal. For mono input a
// copy is still made so the result never aliases the caller's frame.
func downmix(samples []float32, channels int) []float32 {
	if channels == 1 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}

	return out
}
