// Package server implements the HTTP API for controlling the pipeline and
// inspecting its state: meeting lifecycle, source switching, model
// management, health, and Prometheus metrics.
package server
