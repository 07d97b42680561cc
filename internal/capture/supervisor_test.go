package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/vad"
)

// fakeOpener hands out fake devices and can be told to start failing.
type fakeOpener struct {
	mu        sync.Mutex
	devices   []*fakeDevice
	calls     int
	failAfter int // calls beyond this count fail; 0 means never fail
}

func (o *fakeOpener) open(source AudioSource) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls++
	if o.failAfter > 0 && o.calls > o.failAfter {
		return nil, errors.New("open failed")
	}
	device := newFakeDevice("fake:"+source.String(), 16000, 1)
	o.devices = append(o.devices, device)
	return device, nil
}

func (o *fakeOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) device(i int) *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testSupervisor(t *testing.T, opener Opener, policy RestartPolicy, pub *events.Publisher) *RestartSupervisor {
	t.Helper()

	ring, err := audio.NewRingBuffer(16000 * 30)
	if err != nil {
		t.Fatalf("Failed to create ring: %v", err)
	}
	detector, err := vad.NewDetector(-50, vad.DefaultWindowSize, 16000)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	supervisor, err := NewRestartSupervisor(opener, ring, detector, policy, 3, nil, pub, nil)
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}
	return supervisor
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	policy := RestartPolicy{
		MaxPerHour:  5,
		BackoffBase: 5 * time.Second,
		BackoffMax:  300 * time.Second,
	}

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for fails, want := range expected {
		if got := policy.backoffDelay(fails); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", fails, got, want)
		}
	}
}

func TestSupervisorRestartsAfterFailure(t *testing.T) {
	opener := &fakeOpener{}
	policy := RestartPolicy{
		MaxPerHour:  5,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
		Window:      time.Hour,
	}
	pub := events.NewPublisher("test", nil)
	defer pub.Close()
	sub := pub.Subscribe("watcher", 32)

	supervisor := testSupervisor(t, opener.open, policy, pub)

	if err := supervisor.Start(context.Background(), SystemDevice("unit")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer supervisor.Stop()

	if supervisor.State() != StateStreaming {
		t.Fatalf("Expected streaming, got %s", supervisor.State())
	}

	opener.device(0).fail(errors.New("device unplugged"))

	waitFor(t, 2*time.Second, func() bool {
		return supervisor.RestartStatus().Successes == 1 && supervisor.State() == StateStreaming
	}, "Supervisor never restarted the capture")

	status := supervisor.RestartStatus()
	if status.Attempts != 1 {
		t.Errorf("Expected 1 restart attempt, got %d", status.Attempts)
	}
	if status.LastHour != 1 {
		t.Errorf("Expected 1 restart in window, got %d", status.LastHour)
	}
	if opener.callCount() != 2 {
		t.Errorf("Expected device opened twice, got %d", opener.callCount())
	}

	sawAttempting := false
	deadline := time.After(time.Second)
	for !sawAttempting {
		select {
		case env := <-sub:
			if env.Type == events.RestartAttempting {
				sawAttempting = true
			}
		case <-deadline:
			t.Fatal("No restart.attempting event observed")
		}
	}
}

func TestSupervisorStopsAtRestartCap(t *testing.T) {
	opener := &fakeOpener{failAfter: 1}
	policy := RestartPolicy{
		MaxPerHour:  3,
		BackoffBase: 2 * time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
		Window:      time.Hour,
	}
	pub := events.NewPublisher("test", nil)
	defer pub.Close()
	sub := pub.Subscribe("watcher", 64)

	supervisor := testSupervisor(t, opener.open, policy, pub)

	if err := supervisor.Start(context.Background(), SystemDevice("unit")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer supervisor.Stop()

	opener.device(0).fail(errors.New("device unplugged"))

	waitFor(t, 2*time.Second, func() bool {
		status := supervisor.RestartStatus()
		return status.Attempts == 3 && supervisor.State() == StateFailed
	}, "Supervisor did not exhaust the restart budget")

	status := supervisor.RestartStatus()
	if status.LastHour != 3 {
		t.Errorf("Expected 3 restarts in window, got %d", status.LastHour)
	}
	if status.Successes != 0 {
		t.Errorf("Expected no successes, got %d", status.Successes)
	}
	if status.LastError == "" {
		t.Error("Expected last restart error to be recorded")
	}

	sawExhausted := false
	deadline := time.After(time.Second)
	for !sawExhausted {
		select {
		case env := <-sub:
			if env.Type == events.RestartFailed {
				var data events.RestartFailedData
				if err := json.Unmarshal(env.Data, &data); err != nil {
					t.Fatalf("Bad event payload: %v", err)
				}
				if data.Exhausted {
					sawExhausted = true
				}
			}
		case <-deadline:
			t.Fatal("No exhausted restart.failed event observed")
		}
	}
}

func TestSupervisorSwitchSourceKeepsBudget(t *testing.T) {
	opener := &fakeOpener{}
	supervisor := testSupervisor(t, opener.open, DefaultRestartPolicy(), nil)

	if err := supervisor.Start(context.Background(), SystemDevice("first")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer supervisor.Stop()

	if err := supervisor.SwitchSource(context.Background(), SystemDevice("second")); err != nil {
		t.Fatalf("SwitchSource failed: %v", err)
	}

	if supervisor.State() != StateStreaming {
		t.Errorf("Expected streaming after switch, got %s", supervisor.State())
	}
	if got := supervisor.Source().String(); got != "system:second" {
		t.Errorf("Expected system:second, got %s", got)
	}

	status := supervisor.RestartStatus()
	if status.Attempts != 0 {
		t.Errorf("Source switch must not count as restart, got %d attempts", status.Attempts)
	}
	if opener.callCount() != 2 {
		t.Errorf("Expected two device opens, got %d", opener.callCount())
	}
	if opener.device(0).stops != 1 {
		t.Errorf("Expected first device stopped, got %d stops", opener.device(0).stops)
	}
}

func TestSupervisorStopDuringBackoff(t *testing.T) {
	opener := &fakeOpener{failAfter: 1}
	policy := RestartPolicy{
		MaxPerHour:  5,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  time.Second,
		Window:      time.Hour,
	}
	supervisor := testSupervisor(t, opener.open, policy, nil)

	if err := supervisor.Start(context.Background(), SystemDevice("unit")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	opener.device(0).fail(errors.New("device unplugged"))
	waitFor(t, time.Second, func() bool {
		state := supervisor.State()
		return state == StateRestarting || state == StateFailed
	}, "Supervisor never entered restart supervision")

	start := time.Now()
	if err := supervisor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, expected prompt return from backoff", elapsed)
	}
	if supervisor.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", supervisor.State())
	}
}

func TestSupervisorInitialStartFailure(t *testing.T) {
	alwaysFail := func(source AudioSource) (Device, error) {
		return nil, errors.New("no such device")
	}
	supervisor := testSupervisor(t, alwaysFail, DefaultRestartPolicy(), nil)

	if err := supervisor.Start(context.Background(), SystemDevice("ghost")); err == nil {
		t.Fatal("Expected error when the device cannot be opened")
	}
	if supervisor.State() != StateIdle {
		t.Errorf("Expected idle after failed start, got %s", supervisor.State())
	}
	if supervisor.RestartStatus().Attempts != 0 {
		t.Error("Initial start failure must not count as a restart")
	}
}

func TestSupervisorCaptureStatus(t *testing.T) {
	opener := &fakeOpener{}
	supervisor := testSupervisor(t, opener.open, DefaultRestartPolicy(), nil)

	if err := supervisor.Start(context.Background(), SystemDevice("unit")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	opener.device(0).emit(0.1, 1600)

	status := supervisor.CaptureStatus()
	if !status.Capturing {
		t.Error("Expected capturing true while streaming")
	}
	if status.DeviceName != "fake:system:unit" {
		t.Errorf("Unexpected device name %s", status.DeviceName)
	}
	if status.DeviceSampleRate != 16000 {
		t.Errorf("Expected device rate 16000, got %d", status.DeviceSampleRate)
	}
	if status.BufferSize != 1600 {
		t.Errorf("Expected 1600 buffered samples, got %d", status.BufferSize)
	}

	if err := supervisor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	status = supervisor.CaptureStatus()
	if status.Capturing {
		t.Error("Expected capturing false after stop")
	}
}

func TestNewRestartSupervisorValidation(t *testing.T) {
	ring, _ := audio.NewRingBuffer(16000)
	detector, _ := vad.NewDetector(-50, vad.DefaultWindowSize, 16000)
	opener := func(source AudioSource) (Device, error) { return nil, nil }

	if _, err := NewRestartSupervisor(nil, ring, detector, DefaultRestartPolicy(), 3, nil, nil, nil); err == nil {
		t.Error("Expected error for nil opener")
	}
	if _, err := NewRestartSupervisor(opener, nil, detector, DefaultRestartPolicy(), 3, nil, nil, nil); err == nil {
		t.Error("Expected error for nil ring")
	}

	bad := DefaultRestartPolicy()
	bad.MaxPerHour = 0
	if _, err := NewRestartSupervisor(opener, ring, detector, bad, 3, nil, nil, nil); err == nil {
		t.Error("Expected error for zero restart cap")
	}

	bad = DefaultRestartPolicy()
	bad.BackoffMax = time.Millisecond
	if _, err := NewRestartSupervisor(opener, ring, detector, bad, 3, nil, nil, nil); err == nil {
		t.Error("Expected error for inverted backoff range")
	}
}
