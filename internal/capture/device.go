package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
)

var (
	// ErrDeviceUnavailable indicates the requested audio device cannot be
	// opened on this machine.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrStreamEnded indicates a device stopped delivering frames on its own,
	// such as a file source reaching end of stream.
	ErrStreamEnded = errors.New("audio stream ended")
)

// SourceKind discriminates the audio source variants.
type SourceKind int

const (
	SourceMicrophone SourceKind = iota
	SourceSystemDevice
	SourceFile
)

// AudioSource identifies where audio comes from: the default microphone, a
// named system capture device, or a WAV file streamed for development.
type AudioSource struct {
	Kind SourceKind
	Name string // device name or file path; empty for the microphone
}

// Microphone returns the default microphone source.
func Microphone() AudioSource {
	return AudioSource{Kind: SourceMicrophone}
}

// SystemDevice returns a named system capture device source.
func SystemDevice(name string) AudioSource {
	return AudioSource{Kind: SourceSystemDevice, Name: name}
}

// FileSource returns a WAV file source.
func FileSource(path string) AudioSource {
	return AudioSource{Kind: SourceFile, Name: path}
}

// String renders the source in its configuration form.
func (s AudioSource) String() string {
	switch s.Kind {
	case SourceSystemDevice:
		return "system:" + s.Name
	case SourceFile:
		return "file:" + s.Name
	default:
		return "microphone"
	}
}

// ParseSource parses the configuration form of a source.
func ParseSource(value string) (AudioSource, error) {
	switch {
	case value == "microphone":
		return Microphone(), nil
	case strings.HasPrefix(value, "system:"):
		name := strings.TrimPrefix(value, "system:")
		if name == "" {
			return AudioSource{}, fmt.Errorf("system source needs a device name")
		}
		return SystemDevice(name), nil
	case strings.HasPrefix(value, "file:"):
		path := strings.TrimPrefix(value, "file:")
		if path == "" {
			return AudioSource{}, fmt.Errorf("file source needs a path")
		}
		return FileSource(path), nil
	default:
		return AudioSource{}, fmt.Errorf("unknown audio source %q", value)
	}
}

// FrameFunc receives each captured audio frame. Implementations must not
// block; the session hands frames straight to the ring buffer.
type FrameFunc func(frame audio.Frame)

// ErrorFunc receives the terminal error of a device that died mid-stream.
type ErrorFunc func(err error)

// Device is the capture backend abstraction. Real OS backends (CoreAudio,
// WASAPI, PulseAudio) implement this interface out of tree; the repo ships
// the WAV file device and test fakes.
type Device interface {
	// Start begins frame delivery. onError fires at most once, when the
	// device stops on its own. Start returns an error if delivery could not
	// begin.
	Start(ctx context.Context, onFrame FrameFunc, onError ErrorFunc) error
	Stop() error
	Name() string
	SampleRate() int
	Channels() int
}

// Opener turns an AudioSource into a running Device. The pipeline is handed
// an Opener so platform backends stay pluggable.
type Opener func(source AudioSource) (Device, error)

// DefaultOpener opens file sources with the WAV device and reports
// microphone/system sources as unavailable, since no OS capture backend is
// linked into this build.
func DefaultOpener(source AudioSource) (Device, error) {
	switch source.Kind {
	case SourceFile:
		return NewWAVDevice(source.Name)
	default:
		return nil, fmt.Errorf("%w: no capture backend for %s", ErrDeviceUnavailable, source)
	}
}

// wavFrameInterval is the cadence the WAV device emits frames at.
const wavFrameInterval = 100 * time.Millisecond

// WAVDevice streams a WAV file as if it were a live capture device,
// delivering ~100ms frames in real time. When the file runs out the device
// reports ErrStreamEnded through the error callback.
type WAVDevice struct {
	path       string
	samples    []float32
	sampleRate int

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewWAVDevice loads a 16-bit mono WAV file for streaming.
func NewWAVDevice(path string) (*WAVDevice, error) {
	samples, sampleRate, err := audio.DecodeWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("open wav device %s: %w", path, err)
	}

	return &WAVDevice{
		path:       path,
		samples:    samples,
		sampleRate: sampleRate,
	}, nil
}

// Start begins streaming frames on a ticker until the file is exhausted or
// the context is cancelled.
func (d *WAVDevice) Start(ctx context.Context, onFrame FrameFunc, onError ErrorFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("wav device %s already started", d.path)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	frameSize := d.sampleRate / 10
	if frameSize < 1 {
		frameSize = 1
	}

	go func() {
		ticker := time.NewTicker(wavFrameInterval)
		defer ticker.Stop()

		pos := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if pos >= len(d.samples) {
					d.markStopped()
					if onError != nil {
						onError(ErrStreamEnded)
					}
					return
				}

				end := pos + frameSize
				if end > len(d.samples) {
					end = len(d.samples)
				}
				frame := audio.Frame{
					Samples:    d.samples[pos:end],
					SampleRate: d.sampleRate,
					Channels:   1,
					Timestamp:  time.Now(),
				}
				pos = end
				onFrame(frame)
			}
		}
	}()

	return nil
}

func (d *WAVDevice) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop halts frame delivery.
func (d *WAVDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.running = false
	return nil
}

// Name returns the source path of the device.
func (d *WAVDevice) Name() string {
	return d.path
}

// SampleRate returns the native sample rate of the file.
func (d *WAVDevice) SampleRate() int {
	return d.sampleRate
}

// Channels returns 1; WAV devices stream mono audio.
func (d *WAVDevice) Channels() int {
	return 1
}
