// Package vad implements silence detection for the capture pipeline.
// It classifies fixed windows of float32 audio by RMS level in dBFS against
// a configurable threshold and keeps running statistics used by segment
// boundaries and pipeline telemetry.
package vad
