package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Damonbodine/meetingcoder-sub000/internal/capture"
	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/pipeline"
)

// HTTPServer provides HTTP API endpoints for monitoring and meeting control
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server over the given pipeline
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, pipe *pipeline.Pipeline, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger,
		pipeline:  pipe,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Meeting lifecycle endpoints
	mux.HandleFunc("/api/v1/meeting", h.withMetrics("/api/v1/meeting", h.handleMeeting))
	mux.HandleFunc("/api/v1/meeting/start", h.withMetrics("/api/v1/meeting/start", h.handleMeetingStart))
	mux.HandleFunc("/api/v1/meeting/stop", h.withMetrics("/api/v1/meeting/stop", h.handleMeetingStop))
	mux.HandleFunc("/api/v1/meeting/pause", h.withMetrics("/api/v1/meeting/pause", h.handleMeetingPause))
	mux.HandleFunc("/api/v1/meeting/resume", h.withMetrics("/api/v1/meeting/resume", h.handleMeetingResume))

	// Capture source switching
	mux.HandleFunc("/api/v1/source", h.withMetrics("/api/v1/source", h.handleSourceSwitch))

	// Pipeline state endpoints
	mux.HandleFunc("/api/v1/pipeline/metrics", h.withMetrics("/api/v1/pipeline/metrics", h.handlePipelineMetrics))
	mux.HandleFunc("/api/v1/pipeline/errors", h.withMetrics("/api/v1/pipeline/errors", h.handlePipelineErrors))

	// Transcription model endpoints
	mux.HandleFunc("/api/v1/model/status", h.withMetrics("/api/v1/model/status", h.handleModelStatus))
	mux.HandleFunc("/api/v1/model/unload", h.withMetrics("/api/v1/model/unload", h.handleModelUnload))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return handler
	}

	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON writes a JSON response body with the given status code
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError writes a JSON error body with the given status code
func (h *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}

// statusForOperation maps pipeline operation failures to HTTP status codes
func statusForOperation(err error) int {
	if errors.Is(err, pipeline.ErrMeetingActive) || errors.Is(err, pipeline.ErrNoMeeting) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	snap := h.pipeline.Snapshot()
	model := h.pipeline.ModelStatus()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "meetingcoder",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"capture": map[string]interface{}{
				"capturing":           snap.IsSystemCapturing,
				"device":              snap.DeviceName,
				"buffer_fill_percent": snap.BufferFillPercent,
				"restarts_last_hour":  snap.RestartsLastHour,
			},
			"queue": map[string]interface{}{
				"queued":          snap.QueueQueued,
				"processing":      snap.QueueProcessing,
				"backlog_seconds": snap.QueueBacklogSeconds,
			},
			"model": map[string]interface{}{
				"loaded": model.IsLoaded,
				"state":  model.State,
				"model":  model.CurrentModel,
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleMeeting implements the /api/v1/meeting endpoint
func (h *HTTPServer) handleMeeting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meeting := h.pipeline.Meeting()
	if meeting == nil {
		h.writeError(w, http.StatusNotFound, "no meeting has been recorded")
		return
	}
	if meeting.Segments == nil {
		meeting.Segments = []pipeline.TranscriptSegment{}
	}

	h.writeJSON(w, http.StatusOK, meeting)
}

// handleMeetingStart implements the /api/v1/meeting/start endpoint
func (h *HTTPServer) handleMeetingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Source string `json:"source"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Source != "" {
		if _, err := capture.ParseSource(req.Source); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Capture must outlive the request, so the meeting runs on a
	// background context.
	if err := h.pipeline.Start(context.Background(), req.Source, req.Name); err != nil {
		h.writeError(w, statusForOperation(err), err.Error())
		return
	}

	meeting := h.pipeline.Meeting()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "recording",
		"meeting_id": meeting.ID,
		"name":       meeting.Name,
	})
}

// handleMeetingStop implements the /api/v1/meeting/stop endpoint
func (h *HTTPServer) handleMeetingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.pipeline.Running() {
		h.writeError(w, http.StatusConflict, pipeline.ErrNoMeeting.Error())
		return
	}

	if err := h.pipeline.Stop(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{"status": "completed"}
	if meeting := h.pipeline.Meeting(); meeting != nil {
		response["meeting_id"] = meeting.ID
		response["segments"] = len(meeting.Segments)
		response["duration_seconds"] = meeting.Duration().Seconds()
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleMeetingPause implements the /api/v1/meeting/pause endpoint
func (h *HTTPServer) handleMeetingPause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.pipeline.Pause(); err != nil {
		h.writeError(w, statusForOperation(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "paused"})
}

// handleMeetingResume implements the /api/v1/meeting/resume endpoint
func (h *HTTPServer) handleMeetingResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.pipeline.Resume(); err != nil {
		h.writeError(w, statusForOperation(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "recording"})
}

// handleSourceSwitch implements the /api/v1/source endpoint
func (h *HTTPServer) handleSourceSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		h.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if _, err := capture.ParseSource(req.Source); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The new device must outlive the request.
	if err := h.pipeline.SwitchSource(context.Background(), req.Source); err != nil {
		h.writeError(w, statusForOperation(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "switched",
		"source": req.Source,
	})
}

// handlePipelineMetrics implements the /api/v1/pipeline/metrics endpoint
func (h *HTTPServer) handlePipelineMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.pipeline.Snapshot())
}

// handlePipelineErrors implements the /api/v1/pipeline/errors endpoint
func (h *HTTPServer) handlePipelineErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recent := h.pipeline.RecentErrors()
	if recent == nil {
		recent = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(recent),
		"errors":    recent,
		"timestamp": time.Now().UTC(),
	})
}

// handleModelStatus implements the /api/v1/model/status endpoint
func (h *HTTPServer) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.pipeline.ModelStatus())
}

// handleModelUnload implements the /api/v1/model/unload endpoint
func (h *HTTPServer) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.pipeline.ForceModelUnload(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "unloaded"})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.pipeline.Config()

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"capture": map[string]interface{}{
			"source":                 cfg.Capture.Source,
			"buffer_seconds":         cfg.Capture.BufferSeconds,
			"silence_threshold_dbfs": cfg.Capture.SilenceThresholdDBFS,
			"silence_window_frames":  cfg.Capture.SilenceWindowFrames,
		},
		"restart": map[string]interface{}{
			"max_per_hour":         cfg.Restart.MaxPerHour,
			"backoff_base_seconds": cfg.Restart.BackoffBaseSeconds,
			"backoff_max_seconds":  cfg.Restart.BackoffMaxSeconds,
		},
		"segmenter": map[string]interface{}{
			"transcription_chunk_seconds":   cfg.Segmenter.TranscriptionChunkSeconds,
			"min_segment_duration_seconds":  cfg.Segmenter.MinSegmentDurationSeconds,
			"use_fixed_windows_for_imports": cfg.Segmenter.UseFixedWindowsForImports,
			"fixed_window_seconds":          cfg.Segmenter.FixedWindowSeconds,
			"fixed_window_overlap_seconds":  cfg.Segmenter.FixedWindowOverlapSeconds,
		},
		"queue": map[string]interface{}{
			"capacity":     cfg.Queue.Capacity,
			"worker_count": cfg.Queue.WorkerCount,
			"max_retries":  cfg.Queue.MaxRetries,
			"journal_path": cfg.Queue.JournalPath,
		},
		"transcription": map[string]interface{}{
			"endpoint":             cfg.Transcription.Endpoint,
			"timeout_seconds":      cfg.Transcription.TimeoutSeconds,
			"max_concurrent":       cfg.Transcription.MaxConcurrent,
			"model":                cfg.Transcription.Model,
			"model_unload_timeout": cfg.Transcription.ModelUnloadTimeout,
			// API key intentionally omitted.
		},
		"http": map[string]interface{}{
			"enabled": cfg.HTTP.Enabled,
			"address": cfg.HTTP.Address,
			"port":    cfg.HTTP.Port,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "meetingcoder",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /config":                  "Effective configuration",
			"GET /metrics":                 "Prometheus metrics",
			"GET /api/v1/meeting":          "Current meeting with transcript segments",
			"POST /api/v1/meeting/start":   "Start a meeting",
			"POST /api/v1/meeting/stop":    "Stop the active meeting",
			"POST /api/v1/meeting/pause":   "Pause transcription",
			"POST /api/v1/meeting/resume":  "Resume transcription",
			"POST /api/v1/source":          "Switch the capture source",
			"GET /api/v1/pipeline/metrics": "Pipeline state snapshot",
			"GET /api/v1/pipeline/errors":  "Recent pipeline errors",
			"GET /api/v1/model/status":     "Transcription model state",
			"POST /api/v1/model/unload":    "Force the model out of memory",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
