package vad

import (
	"sync"
	"testing"
)

// window builds a constant-valued test window so the RMS level is exact.
func window(value float32, n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestNewDetectorValidation(t *testing.T) {
	if _, err := NewDetector(-50, DefaultWindowSize, 16000); err != nil {
		t.Errorf("Expected valid detector, got error: %v", err)
	}

	if _, err := NewDetector(-90, DefaultWindowSize, 16000); err == nil {
		t.Error("Expected error for threshold below -80 dBFS")
	}

	if _, err := NewDetector(5, DefaultWindowSize, 16000); err == nil {
		t.Error("Expected error for threshold above 0 dBFS")
	}

	if _, err := NewDetector(-50, 0, 16000); err == nil {
		t.Error("Expected error for zero window size")
	}

	if _, err := NewDetector(-50, DefaultWindowSize, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestDetectorClassifiesByLevel(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	// Constant 0.001 is -60 dBFS, below the -50 threshold.
	result, err := detector.Process(window(0.001, DefaultWindowSize))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !result.Silent {
		t.Errorf("Expected -60 dBFS window to be silent, got DBFS=%.2f", result.DBFS)
	}
	if result.DBFS > -59 || result.DBFS < -61 {
		t.Errorf("Expected DBFS near -60, got %.2f", result.DBFS)
	}

	// Constant 0.1 is -20 dBFS, well above the threshold.
	result, err = detector.Process(window(0.1, DefaultWindowSize))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Silent {
		t.Errorf("Expected -20 dBFS window to be speech, got DBFS=%.2f", result.DBFS)
	}
	if result.DBFS > -19 || result.DBFS < -21 {
		t.Errorf("Expected DBFS near -20, got %.2f", result.DBFS)
	}
}

func TestDetectorZeroEnergyFloor(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	result, err := detector.Process(window(0, DefaultWindowSize))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.Silent {
		t.Error("Expected all-zero window to be silent")
	}
	if result.DBFS != -120 {
		t.Errorf("Expected floor of -120 dBFS for zero energy, got %.2f", result.DBFS)
	}
	if result.RMS != 0 {
		t.Errorf("Expected zero RMS, got %f", result.RMS)
	}
}

func TestDetectorThresholdUpdate(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	// Constant 0.01 is -40 dBFS: speech at -50, silent at -35.
	result, _ := detector.Process(window(0.01, DefaultWindowSize))
	if result.Silent {
		t.Error("Expected -40 dBFS window to be speech at -50 threshold")
	}

	if err := detector.SetThreshold(-35); err != nil {
		t.Fatalf("SetThreshold failed: %v", err)
	}
	if detector.Threshold() != -35 {
		t.Errorf("Expected threshold -35, got %.1f", detector.Threshold())
	}

	result, _ = detector.Process(window(0.01, DefaultWindowSize))
	if !result.Silent {
		t.Error("Expected -40 dBFS window to be silent at -35 threshold")
	}
}

func TestDetectorSetThresholdValidation(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	if err := detector.SetThreshold(-100); err == nil {
		t.Error("Expected error for threshold below -80 dBFS")
	}
	if err := detector.SetThreshold(1); err == nil {
		t.Error("Expected error for threshold above 0 dBFS")
	}

	if detector.Threshold() != -50 {
		t.Errorf("Expected threshold unchanged at -50, got %.1f", detector.Threshold())
	}
}

func TestDetectorEmptyWindow(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	if _, err := detector.Process(nil); err == nil {
		t.Error("Expected error for empty window")
	}
}

func TestDetectorStats(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	for i := 0; i < 5; i++ {
		detector.Process(window(0.001, DefaultWindowSize)) // silent
	}
	for i := 0; i < 5; i++ {
		detector.Process(window(0.1, DefaultWindowSize)) // speech
	}

	stats := detector.GetStats()
	if stats.TotalWindows != 10 {
		t.Errorf("Expected 10 total windows, got %d", stats.TotalWindows)
	}
	if stats.SilentWindows != 5 {
		t.Errorf("Expected 5 silent windows, got %d", stats.SilentWindows)
	}
	if stats.SilentPercent != 50 {
		t.Errorf("Expected 50%% silent, got %.1f", stats.SilentPercent)
	}
	if stats.ThresholdDBFS != -50 {
		t.Errorf("Expected threshold -50 in stats, got %.1f", stats.ThresholdDBFS)
	}
	if stats.LastProcessedAt.IsZero() {
		t.Error("Expected last processed time to be set")
	}
}

func TestDetectorReset(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	detector.Process(window(0.1, DefaultWindowSize))
	detector.Reset()

	stats := detector.GetStats()
	if stats.TotalWindows != 0 {
		t.Errorf("Expected 0 total windows after reset, got %d", stats.TotalWindows)
	}
	if stats.SilentWindows != 0 {
		t.Errorf("Expected 0 silent windows after reset, got %d", stats.SilentWindows)
	}
	if !stats.LastProcessedAt.IsZero() {
		t.Error("Expected last processed time cleared after reset")
	}
}

func TestSilenceFraction(t *testing.T) {
	samples := make([]float32, 100)
	for i := 50; i < 100; i++ {
		samples[i] = 0.5
	}

	fraction := SilenceFraction(samples, 1e-3)
	if fraction != 0.5 {
		t.Errorf("Expected silence fraction 0.5, got %f", fraction)
	}

	if SilenceFraction(nil, 1e-3) != 1.0 {
		t.Error("Expected silence fraction 1.0 for empty input")
	}

	loud := window(0.2, 100)
	if SilenceFraction(loud, 1e-3) != 0 {
		t.Error("Expected silence fraction 0 for loud input")
	}

	// Negative samples below -eps count as loud.
	negative := window(-0.2, 100)
	if SilenceFraction(negative, 1e-3) != 0 {
		t.Error("Expected silence fraction 0 for loud negative input")
	}
}

func TestDetectorConcurrentAccess(t *testing.T) {
	detector, err := NewDetector(-50, DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			detector.Process(window(0.1, DefaultWindowSize))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			detector.GetStats()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			detector.SetThreshold(-45)
			detector.SetThreshold(-50)
		}
	}()

	wg.Wait()

	stats := detector.GetStats()
	if stats.TotalWindows != 100 {
		t.Errorf("Expected 100 total windows, got %d", stats.TotalWindows)
	}
}
