package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
)

// ErrEngineUnavailable is returned when the engine health probe fails.
var ErrEngineUnavailable = errors.New("transcription engine unavailable")

// defaultConfidence is reported when the engine omits a confidence score.
const defaultConfidence = 0.95

// Engine is a transcription backend. Load prepares the model, Unload
// releases it, Transcribe turns pipeline-rate samples into text.
type Engine interface {
	Load(ctx context.Context) error
	Unload() error
	Transcribe(ctx context.Context, samples []float32, meta ChunkMeta) (*Result, error)
}

// ChunkMeta carries chunk identity into the engine request.
type ChunkMeta struct {
	ChunkID      string  `json:"chunk_id"`
	Seq          uint64  `json:"seq"`
	MeetingID    string  `json:"meeting_id,omitempty"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Kind         string  `json:"kind"`
}

// Result is the engine's answer for one chunk.
type Result struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// Config contains transcription engine client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional, local engines run unauthenticated
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Model         string
	Language      string
}

// ClientStats represents engine client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// HTTPEngine uploads chunk audio as multipart WAV to an HTTP transcription
// endpoint. Requests are bounded by a concurrency semaphore and retried
// with exponential backoff on transient failures.
type HTTPEngine struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// engineResponse is the JSON body the engine returns for a transcription.
type engineResponse struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language"`
}

// NewHTTPEngine creates a transcription engine client.
func NewHTTPEngine(config Config) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Load probes the engine health route so a dead engine surfaces as a load
// failure instead of a failed first chunk.
func (e *HTTPEngine) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.healthURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health returned HTTP %d", ErrEngineUnavailable, resp.StatusCode)
	}

	return nil
}

// Unload drops idle connections. The engine process owns the actual model
// memory; this client just stops holding sockets to it.
func (e *HTTPEngine) Unload() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// Transcribe uploads one chunk and returns its text. Transient failures are
// retried with exponential backoff up to MaxRetries times.
func (e *HTTPEngine) Transcribe(ctx context.Context, samples []float32, meta ChunkMeta) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot transcribe empty chunk %s", meta.ChunkID)
	}

	// Acquire semaphore for rate limiting
	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	e.incrementTotalRequests()

	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.incrementTotalRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := e.doRequest(ctx, samples, meta)
		if err == nil {
			e.incrementSuccessRequests()
			e.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	e.incrementFailedRequests()
	return nil, fmt.Errorf("transcription request failed: %w", lastErr)
}

// doRequest performs a single upload to the engine.
func (e *HTTPEngine) doRequest(ctx context.Context, samples []float32, meta ChunkMeta) (*Result, error) {
	body, contentType, err := e.createMultipartRequest(samples, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var engineResp engineResponse
	if err := json.Unmarshal(respBody, &engineResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	confidence := engineResp.Confidence
	if confidence <= 0 {
		confidence = defaultConfidence
	}

	return &Result{
		Text:       strings.TrimSpace(engineResp.Text),
		Confidence: confidence,
		Language:   engineResp.Language,
	}, nil
}

// createMultipartRequest encodes the samples as WAV and packs them with the
// chunk metadata into a multipart/form-data body.
func (e *HTTPEngine) createMultipartRequest(samples []float32, meta ChunkMeta) (io.Reader, string, error) {
	wavData, err := audio.EncodeWAV(samples, audio.TargetSampleRate)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode chunk WAV: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", fmt.Sprintf("%s.wav", meta.ChunkID))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"chunk_id":        meta.ChunkID,
		"seq":             fmt.Sprintf("%d", meta.Seq),
		"start_seconds":   fmt.Sprintf("%.3f", meta.StartSeconds),
		"end_seconds":     fmt.Sprintf("%.3f", meta.EndSeconds),
		"kind":            meta.Kind,
		"sample_rate":     fmt.Sprintf("%d", audio.TargetSampleRate),
		"response_format": "json",
	}
	if meta.MeetingID != "" {
		fields["meeting_id"] = meta.MeetingID
	}
	if e.config.Model != "" {
		fields["model"] = e.config.Model
	}
	if e.config.Language != "" {
		fields["language"] = e.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// healthURL derives the engine health route from the transcribe endpoint.
func (e *HTTPEngine) healthURL() string {
	parsed, err := url.Parse(e.config.Endpoint)
	if err != nil {
		return e.config.Endpoint
	}
	parsed.Path = "/health"
	parsed.RawQuery = ""
	return parsed.String()
}

// isRetryableError reports whether another attempt could succeed. Timeouts,
// connection failures, rate limiting, and 5xx responses qualify.
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	if strings.Contains(errStr, "HTTP error 5") {
		return true
	}

	if strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "reset") {
		return true
	}

	return false
}

// Statistics methods
func (e *HTTPEngine) incrementTotalRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
}

func (e *HTTPEngine) incrementSuccessRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successRequests++
}

func (e *HTTPEngine) incrementFailedRequests() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedRequests++
}

func (e *HTTPEngine) incrementTotalRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRetries++
}

func (e *HTTPEngine) updateAvgResponseTime(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Simple moving average
	if e.avgResponseTime == 0 {
		e.avgResponseTime = responseTime
	} else {
		e.avgResponseTime = (e.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (e *HTTPEngine) GetStats() ClientStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successRate := float64(0)
	if e.totalRequests > 0 {
		successRate = float64(e.successRequests) / float64(e.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   e.totalRequests,
		SuccessRequests: e.successRequests,
		FailedRequests:  e.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    e.totalRetries,
		AvgResponseTime: e.avgResponseTime,
		ActiveRequests:  len(e.semaphore),
	}
}
