package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/capture"
	"github.com/Damonbodine/meetingcoder-sub000/internal/config"
	"github.com/Damonbodine/meetingcoder-sub000/internal/metrics"
	"github.com/Damonbodine/meetingcoder-sub000/internal/pipeline"
	"github.com/Damonbodine/meetingcoder-sub000/internal/transcription"
)

// fakeEngine satisfies transcription.Engine without a backend.
type fakeEngine struct {
	mu      sync.Mutex
	loads   int
	unloads int
}

func (e *fakeEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads++
	return nil
}

func (e *fakeEngine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloads++
	return nil
}

func (e *fakeEngine) Transcribe(ctx context.Context, samples []float32, meta transcription.ChunkMeta) (*transcription.Result, error) {
	return &transcription.Result{Text: "ok", Confidence: 0.9, Language: "en"}, nil
}

// stubDevice opens instantly and produces no frames.
type stubDevice struct{}

func (d *stubDevice) Start(ctx context.Context, onFrame capture.FrameFunc, onError capture.ErrorFunc) error {
	return nil
}

func (d *stubDevice) Stop() error     { return nil }
func (d *stubDevice) Name() string    { return "stub-device" }
func (d *stubDevice) SampleRate() int { return 16000 }
func (d *stubDevice) Channels() int   { return 1 }

func stubOpener(source capture.AudioSource) (capture.Device, error) {
	return &stubDevice{}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Capture.BufferSeconds = 30
	cfg.Queue.JournalPath = ""
	cfg.Transcription.ModelUnloadTimeout = "never"
	return cfg
}

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()

	p, err := pipeline.New(testConfig(), &fakeEngine{}, stubOpener, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	t.Cleanup(func() { p.Shutdown() })

	h := NewHTTPServer(testConfig().HTTP, nil, p, nil)
	ts := httptest.NewServer(h.server.Handler)
	t.Cleanup(ts.Close)

	return ts, p
}

// doJSON issues a request and decodes the JSON body when one is present.
func doJSON(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build %s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request %s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	payload := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("Failed to decode response from %s: %v", url, err)
		}
	}

	return resp.StatusCode, payload
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/health", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if payload["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", payload["status"])
	}

	service, ok := payload["service"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected service section, got %T", payload["service"])
	}
	if service["name"] != "meetingcoder" {
		t.Errorf("Expected service name meetingcoder, got %v", service["name"])
	}

	components, ok := payload["components"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected components section, got %T", payload["components"])
	}
	model, ok := components["model"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected model component, got %T", components["model"])
	}
	if model["loaded"] != false {
		t.Errorf("Expected model unloaded on a fresh pipeline, got %v", model["loaded"])
	}
	if model["state"] != "unloaded" {
		t.Errorf("Expected model state unloaded, got %v", model["state"])
	}
}

func TestRootEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if payload["service"] != "meetingcoder" {
		t.Errorf("Expected service meetingcoder, got %v", payload["service"])
	}
	endpoints, ok := payload["endpoints"].(map[string]interface{})
	if !ok || len(endpoints) == 0 {
		t.Errorf("Expected endpoint documentation, got %v", payload["endpoints"])
	}

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/no-such-path", "")
	if status != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown path, got %d", status)
	}
}

func TestMeetingLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/api/v1/meeting", "")
	if status != http.StatusNotFound {
		t.Fatalf("Expected status 404 before any meeting, got %d", status)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start",
		`{"source": "microphone", "name": "Standup"}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 starting meeting, got %d (%v)", status, payload)
	}
	if payload["status"] != "recording" {
		t.Errorf("Expected recording status, got %v", payload["status"])
	}
	if payload["name"] != "Standup" {
		t.Errorf("Expected meeting name Standup, got %v", payload["name"])
	}
	meetingID, _ := payload["meeting_id"].(string)
	if meetingID == "" {
		t.Error("Expected a meeting ID in the start response")
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", `{"name": "Second"}`)
	if status != http.StatusConflict {
		t.Errorf("Expected status 409 starting a second meeting, got %d", status)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/api/v1/meeting", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 fetching meeting, got %d", status)
	}
	if payload["id"] != meetingID {
		t.Errorf("Expected meeting ID %s, got %v", meetingID, payload["id"])
	}
	if payload["status"] != "recording" {
		t.Errorf("Expected recording meeting, got %v", payload["status"])
	}
	if _, ok := payload["segments"].([]interface{}); !ok {
		t.Errorf("Expected segments array, got %T", payload["segments"])
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/pause", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 pausing, got %d", status)
	}
	if payload["status"] != "paused" {
		t.Errorf("Expected paused status, got %v", payload["status"])
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/api/v1/meeting", "")
	if status != http.StatusOK || payload["status"] != "paused" {
		t.Errorf("Expected paused meeting, got %d %v", status, payload["status"])
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/resume", "")
	if status != http.StatusOK || payload["status"] != "recording" {
		t.Errorf("Expected recording after resume, got %d %v", status, payload["status"])
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/stop", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 stopping, got %d (%v)", status, payload)
	}
	if payload["status"] != "completed" {
		t.Errorf("Expected completed status, got %v", payload["status"])
	}
	if payload["meeting_id"] != meetingID {
		t.Errorf("Expected meeting ID %s in stop response, got %v", meetingID, payload["meeting_id"])
	}
	if payload["segments"] != float64(0) {
		t.Errorf("Expected 0 segments, got %v", payload["segments"])
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/stop", "")
	if status != http.StatusConflict {
		t.Errorf("Expected status 409 stopping without a meeting, got %d", status)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/api/v1/meeting", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 fetching completed meeting, got %d", status)
	}
	if payload["status"] != "completed" {
		t.Errorf("Expected completed meeting, got %v", payload["status"])
	}
	if ended, _ := payload["ended_at"].(string); ended == "" {
		t.Error("Expected ended_at on completed meeting")
	}
}

func TestMeetingStartDefaults(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 for empty body start, got %d (%v)", status, payload)
	}
	name, _ := payload["name"].(string)
	if !strings.HasPrefix(name, "Meeting ") {
		t.Errorf("Expected generated meeting name, got %q", name)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/stop", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 stopping, got %d", status)
	}
}

func TestMeetingStartRejectsBadInput(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", `{"source": "tape-deck"}`)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown source, got %d", status)
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Error("Expected an error message for unknown source")
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", `{"source": `)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed body, got %d", status)
	}
	if msg, _ := payload["error"].(string); !strings.Contains(msg, "invalid request body") {
		t.Errorf("Expected invalid body error, got %q", msg)
	}
}

func TestSourceSwitchEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodPost, ts.URL+"/api/v1/source", `{}`)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing source, got %d", status)
	}
	if msg, _ := payload["error"].(string); !strings.Contains(msg, "source is required") {
		t.Errorf("Expected source required error, got %q", msg)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/source", `{"source": "tape-deck"}`)
	if status != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown source, got %d", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/source", `{"source": "system:Loopback"}`)
	if status != http.StatusConflict {
		t.Errorf("Expected status 409 switching without a meeting, got %d", status)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", `{"name": "Switchable"}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 starting meeting, got %d", status)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/source", `{"source": "system:Loopback"}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 switching source, got %d (%v)", status, payload)
	}
	if payload["status"] != "switched" || payload["source"] != "system:Loopback" {
		t.Errorf("Expected switched response, got %v", payload)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/stop", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 stopping, got %d", status)
	}
}

func TestPipelineMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	fetch := func() metrics.MetricsSnapshot {
		t.Helper()
		resp, err := http.Get(ts.URL + "/api/v1/pipeline/metrics")
		if err != nil {
			t.Fatalf("Failed to fetch pipeline metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		var snap metrics.MetricsSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("Failed to decode snapshot: %v", err)
		}
		return snap
	}

	snap := fetch()
	if snap.IsSystemCapturing {
		t.Error("Expected idle pipeline to report not capturing")
	}
	if snap.BufferCapacitySamples != 0 {
		t.Errorf("Expected zero capacity while idle, got %d", snap.BufferCapacitySamples)
	}

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/start", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 starting meeting, got %d", status)
	}

	snap = fetch()
	if !snap.IsSystemCapturing {
		t.Error("Expected capturing during meeting")
	}
	if snap.BufferCapacitySamples != 30*16000 {
		t.Errorf("Expected capacity %d, got %d", 30*16000, snap.BufferCapacitySamples)
	}
	if snap.DeviceName != "stub-device" {
		t.Errorf("Expected device stub-device, got %s", snap.DeviceName)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/meeting/stop", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 stopping, got %d", status)
	}
}

func TestPipelineErrorsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/api/v1/pipeline/errors", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if payload["count"] != float64(0) {
		t.Errorf("Expected zero errors, got %v", payload["count"])
	}
	errList, ok := payload["errors"].([]interface{})
	if !ok {
		t.Fatalf("Expected errors array, got %T", payload["errors"])
	}
	if len(errList) != 0 {
		t.Errorf("Expected empty error list, got %v", errList)
	}
}

func TestModelEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/api/v1/model/status", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if payload["is_loaded"] != false {
		t.Errorf("Expected model not loaded, got %v", payload["is_loaded"])
	}
	if payload["current_model"] != "whisper-base" {
		t.Errorf("Expected model whisper-base, got %v", payload["current_model"])
	}
	if payload["state"] != "unloaded" {
		t.Errorf("Expected state unloaded, got %v", payload["state"])
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/v1/model/unload", "")
	if status != http.StatusOK {
		t.Fatalf("Expected status 200 unloading, got %d", status)
	}
	if payload["status"] != "unloaded" {
		t.Errorf("Expected unloaded status, got %v", payload["status"])
	}
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.APIKey = "super-secret"

	p, err := pipeline.New(cfg, &fakeEngine{}, stubOpener, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	defer p.Shutdown()

	h := NewHTTPServer(cfg.HTTP, nil, p, nil)
	ts := httptest.NewServer(h.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatalf("Failed to fetch config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read config body: %v", err)
	}
	if strings.Contains(string(body), "super-secret") {
		t.Error("Expected API key to be omitted from /config")
	}
	if !strings.Contains(string(body), `"model":"whisper-base"`) {
		t.Errorf("Expected transcription model in config, got %s", body)
	}
	if !strings.Contains(string(body), `"source":"microphone"`) {
		t.Errorf("Expected capture source in config, got %s", body)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodGet, "/api/v1/meeting/start"},
		{http.MethodGet, "/api/v1/meeting/stop"},
		{http.MethodGet, "/api/v1/meeting/pause"},
		{http.MethodGet, "/api/v1/meeting/resume"},
		{http.MethodGet, "/api/v1/source"},
		{http.MethodPost, "/api/v1/pipeline/metrics"},
		{http.MethodPost, "/api/v1/pipeline/errors"},
		{http.MethodPost, "/api/v1/model/status"},
		{http.MethodGet, "/api/v1/model/unload"},
		{http.MethodDelete, "/api/v1/meeting"},
		{http.MethodPost, "/config"},
	}

	for _, tc := range cases {
		status, _ := doJSON(t, tc.method, ts.URL+tc.path, "")
		if status != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405 for %s %s, got %d", tc.method, tc.path, status)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	p, err := pipeline.New(testConfig(), &fakeEngine{}, stubOpener, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	defer p.Shutdown()

	h := NewHTTPServer(config.HTTPConfig{Enabled: true, Address: "127.0.0.1", Port: 0}, nil, p, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Failed to stop server: %v", err)
	}
}
