package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindowSize is 30ms of audio at the 16kHz pipeline rate.
	DefaultWindowSize = 480

	// MinThresholdDBFS and MaxThresholdDBFS bound the configurable silence
	// threshold.
	MinThresholdDBFS = -80.0
	MaxThresholdDBFS = 0.0

	// silenceFloorDBFS is reported for windows with zero energy.
	silenceFloorDBFS = -120.0
)

// Detector classifies audio windows as silent or speech by comparing their
// RMS level in dBFS against a configurable threshold. Full scale is a
// float32 sample magnitude of 1.0.
type Detector struct {
	threshold  float64 // dBFS; windows below this are silent
	windowSize int
	sampleRate int

	// Statistics
	totalWindows  uint64
	silentWindows uint64
	lastDBFS      float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the classification of a single audio window
type Result struct {
	Silent bool    `json:"silent"`
	DBFS   float64 `json:"dbfs"`
	RMS    float64 `json:"rms"`
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	ThresholdDBFS   float64   `json:"threshold_dbfs"`
	TotalWindows    uint64    `json:"total_windows"`
	SilentWindows   uint64    `json:"silent_windows"`
	SilentPercent   float64   `json:"silent_percent"`
	LastWindowDBFS  float64   `json:"last_window_dbfs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// NewDetector creates a silence detector with the given dBFS threshold.
func NewDetector(thresholdDBFS float64, windowSize, sampleRate int) (*Detector, error) {
	if thresholdDBFS < MinThresholdDBFS || thresholdDBFS > MaxThresholdDBFS {
		return nil, fmt.Errorf("silence threshold must be between %.0f and %.0f dBFS, got %.1f",
			MinThresholdDBFS, MaxThresholdDBFS, thresholdDBFS)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Detector{
		threshold:  thresholdDBFS,
		windowSize: windowSize,
		sampleRate: sampleRate,
	}, nil
}

// Process classifies one window of samples. Windows need not match the
// configured size exactly; the trailing window of a read is usually shorter.
func (d *Detector) Process(samples []float32) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot classify an empty window")
	}

	rms := rmsLevel(samples)
	dbfs := silenceFloorDBFS
	if rms > 0 {
		dbfs = 20 * math.Log10(rms)
		if dbfs < silenceFloorDBFS {
			dbfs = silenceFloorDBFS
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	silent := dbfs < d.threshold

	d.totalWindows++
	if silent {
		d.silentWindows++
	}
	d.lastDBFS = dbfs
	d.lastProcessed = time.Now()

	return &Result{
		Silent: silent,
		DBFS:   dbfs,
		RMS:    rms,
	}, nil
}

// SetThreshold updates the silence threshold at runtime.
func (d *Detector) SetThreshold(thresholdDBFS float64) error {
	if thresholdDBFS < MinThresholdDBFS || thresholdDBFS > MaxThresholdDBFS {
		return fmt.Errorf("silence threshold must be between %.0f and %.0f dBFS, got %.1f",
			MinThresholdDBFS, MaxThresholdDBFS, thresholdDBFS)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = thresholdDBFS
	return nil
}

// Threshold returns the current silence threshold in dBFS.
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// WindowSize returns the suggested window size in samples.
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// Reset resets the detector statistics.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalWindows = 0
	d.silentWindows = 0
	d.lastDBFS = 0
	d.lastProcessed = time.Time{}
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	silentPercent := float64(0)
	if d.totalWindows > 0 {
		silentPercent = float64(d.silentWindows) / float64(d.totalWindows) * 100
	}

	return DetectorStats{
		ThresholdDBFS:   d.threshold,
		TotalWindows:    d.totalWindows,
		SilentWindows:   d.silentWindows,
		SilentPercent:   silentPercent,
		LastWindowDBFS:  d.lastDBFS,
		LastProcessedAt: d.lastProcessed,
	}
}

// rmsLevel computes the root-mean-square level of a window.
func rmsLevel(samples []float32) float64 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// SilenceFraction returns the fraction of samples whose magnitude is below
// eps. Used by the diarization heuristic to spot speaker turn boundaries.
func SilenceFraction(samples []float32, eps float32) float64 {
	if len(samples) == 0 {
		return 1.0
	}

	quiet := 0
	for _, s := range samples {
		if s < eps && s > -eps {
			quiet++
		}
	}
	return float64(quiet) / float64(len(samples))
}
