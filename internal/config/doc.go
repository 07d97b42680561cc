// Package config provides configuration loading and validation for the
// capture and transcription pipeline. It handles YAML-based configuration
// with per-section validation, defaults for omitted fields, and live reload
// of the config file through a filesystem watcher.
package config
