package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration
type Config struct {
	Capture       CaptureConfig       `yaml:"capture"`
	Restart       RestartConfig       `yaml:"restart"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Queue         QueueConfig         `yaml:"queue"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CaptureConfig contains audio capture configuration
type CaptureConfig struct {
	Source               string  `yaml:"source"`                 // "microphone" or "system:<device name>"
	BufferSeconds        int     `yaml:"buffer_seconds"`         // ring buffer length
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"` // windows below are silent
	SilenceWindowFrames  int     `yaml:"silence_window_frames"`  // consecutive silent frames before Silent state
}

// RestartConfig contains capture restart supervision configuration
type RestartConfig struct {
	MaxPerHour         int `yaml:"max_per_hour"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`
}

// SegmenterConfig contains audio segmentation parameters
type SegmenterConfig struct {
	TranscriptionChunkSeconds float64 `yaml:"transcription_chunk_seconds"` // pump read interval, seconds
	MinSegmentDurationSeconds float64 `yaml:"min_segment_duration_seconds"`
	UseFixedWindowsForImports bool    `yaml:"use_fixed_windows_for_imports"`
	FixedWindowSeconds        float64 `yaml:"fixed_window_seconds"`
	FixedWindowOverlapSeconds float64 `yaml:"fixed_window_overlap_seconds"`
}

// QueueConfig contains transcription queue configuration
type QueueConfig struct {
	Capacity    int    `yaml:"capacity"`
	WorkerCount int    `yaml:"worker_count"`
	MaxRetries  int    `yaml:"max_retries"`
	JournalPath string `yaml:"journal_path"` // empty disables the SQLite journal
}

// TranscriptionConfig contains transcription engine configuration
type TranscriptionConfig struct {
	Endpoint           string `yaml:"endpoint"`
	APIKey             string `yaml:"api_key"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	Model              string `yaml:"model"`
	ModelUnloadTimeout string `yaml:"model_unload_timeout"` // never|immediate|2m|5m|10m|15m|1h
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// unloadTimeouts maps the model_unload_timeout enum to durations. "never"
// and "immediate" are handled separately.
var unloadTimeouts = map[string]time.Duration{
	"2m":  2 * time.Minute,
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// DefaultConfig returns a configuration with working defaults for a local
// single-machine deployment.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Source:               "microphone",
			BufferSeconds:        90,
			SilenceThresholdDBFS: -50.0,
			SilenceWindowFrames:  30,
		},
		Restart: RestartConfig{
			MaxPerHour:         5,
			BackoffBaseSeconds: 5,
			BackoffMaxSeconds:  300,
		},
		Segmenter: SegmenterConfig{
			TranscriptionChunkSeconds: 10,
			MinSegmentDurationSeconds: 10,
			UseFixedWindowsForImports: false,
			FixedWindowSeconds:        45,
			FixedWindowOverlapSeconds: 0.9,
		},
		Queue: QueueConfig{
			Capacity:    8,
			WorkerCount: 2,
			MaxRetries:  2,
			JournalPath: "",
		},
		Transcription: TranscriptionConfig{
			Endpoint:           "http://localhost:8081/transcribe",
			APIKey:             "",
			TimeoutSeconds:     30,
			MaxConcurrent:      2,
			Model:              "whisper-base",
			ModelUnloadTimeout: "5m",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Restart.Validate(); err != nil {
		return fmt.Errorf("restart config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}

	if c.Source != "microphone" && !strings.HasPrefix(c.Source, "system:") && !strings.HasPrefix(c.Source, "file:") {
		return fmt.Errorf("source must be 'microphone', 'system:<device>' or 'file:<path>', got '%s'", c.Source)
	}

	if c.BufferSeconds < 30 || c.BufferSeconds > 600 {
		return fmt.Errorf("buffer_seconds must be between 30 and 600, got %d", c.BufferSeconds)
	}

	if c.SilenceThresholdDBFS < -80 || c.SilenceThresholdDBFS > 0 {
		return fmt.Errorf("silence_threshold_dbfs must be between -80 and 0, got %f", c.SilenceThresholdDBFS)
	}

	if c.SilenceWindowFrames < 1 {
		return fmt.Errorf("silence_window_frames must be at least 1, got %d", c.SilenceWindowFrames)
	}

	return nil
}

// Validate validates restart configuration
func (r *RestartConfig) Validate() error {
	if r.MaxPerHour < 1 {
		return fmt.Errorf("max_per_hour must be at least 1, got %d", r.MaxPerHour)
	}

	if r.BackoffBaseSeconds < 1 {
		return fmt.Errorf("backoff_base_seconds must be at least 1, got %d", r.BackoffBaseSeconds)
	}

	if r.BackoffMaxSeconds < r.BackoffBaseSeconds {
		return fmt.Errorf("backoff_max_seconds (%d) must be at least backoff_base_seconds (%d)",
			r.BackoffMaxSeconds, r.BackoffBaseSeconds)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.TranscriptionChunkSeconds < 2 || s.TranscriptionChunkSeconds > 60 {
		return fmt.Errorf("transcription_chunk_seconds must be between 2 and 60, got %f", s.TranscriptionChunkSeconds)
	}

	if s.MinSegmentDurationSeconds < 5 || s.MinSegmentDurationSeconds > 15 {
		return fmt.Errorf("min_segment_duration_seconds must be between 5 and 15, got %f", s.MinSegmentDurationSeconds)
	}

	if s.FixedWindowSeconds < 20 || s.FixedWindowSeconds > 60 {
		return fmt.Errorf("fixed_window_seconds must be between 20 and 60, got %f", s.FixedWindowSeconds)
	}

	if s.FixedWindowOverlapSeconds < 0 || s.FixedWindowOverlapSeconds >= s.FixedWindowSeconds {
		return fmt.Errorf("fixed_window_overlap_seconds must be between 0 and fixed_window_seconds (%f), got %f",
			s.FixedWindowSeconds, s.FixedWindowOverlapSeconds)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", q.Capacity)
	}

	if q.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", q.WorkerCount)
	}

	if q.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", q.MaxRetries)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", t.TimeoutSeconds)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.ModelUnloadTimeout != "never" && t.ModelUnloadTimeout != "immediate" {
		if _, ok := unloadTimeouts[t.ModelUnloadTimeout]; !ok {
			return fmt.Errorf("model_unload_timeout must be one of [never, immediate, 2m, 5m, 10m, 15m, 1h], got '%s'",
				t.ModelUnloadTimeout)
		}
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr, or a file path.
	return nil
}

// GetBufferDuration returns the ring buffer length as a time.Duration
func (c *CaptureConfig) GetBufferDuration() time.Duration {
	return time.Duration(c.BufferSeconds) * time.Second
}

// GetBackoffBase returns the restart backoff base as a time.Duration
func (r *RestartConfig) GetBackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseSeconds) * time.Second
}

// GetBackoffMax returns the restart backoff ceiling as a time.Duration
func (r *RestartConfig) GetBackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxSeconds) * time.Second
}

// GetChunkDuration returns the pump read interval as a time.Duration
func (s *SegmenterConfig) GetChunkDuration() time.Duration {
	return time.Duration(s.TranscriptionChunkSeconds * float64(time.Second))
}

// GetMinSegmentDuration returns the minimum segment duration as a time.Duration
func (s *SegmenterConfig) GetMinSegmentDuration() time.Duration {
	return time.Duration(s.MinSegmentDurationSeconds * float64(time.Second))
}

// GetFixedWindowDuration returns the fixed window length as a time.Duration
func (s *SegmenterConfig) GetFixedWindowDuration() time.Duration {
	return time.Duration(s.FixedWindowSeconds * float64(time.Second))
}

// GetFixedWindowOverlap returns the fixed window overlap as a time.Duration
func (s *SegmenterConfig) GetFixedWindowOverlap() time.Duration {
	return time.Duration(s.FixedWindowOverlapSeconds * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// GetModelUnloadTimeout returns the idle unload delay. never reports true
// when the model should stay resident; a zero duration means unload
// immediately after each request.
func (t *TranscriptionConfig) GetModelUnloadTimeout() (d time.Duration, never bool) {
	switch t.ModelUnloadTimeout {
	case "never":
		return 0, true
	case "immediate":
		return 0, false
	default:
		return unloadTimeouts[t.ModelUnloadTimeout], false
	}
}
