package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeSerialization(t *testing.T) {
	data := &TranscriptSegmentData{
		Seq:          7,
		Text:         "hello from the meeting",
		Speaker:      "Speaker 1",
		StartSeconds: 12.5,
		EndSeconds:   20.0,
	}

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}

	env := Envelope{
		ID:        "test-id",
		Type:      TranscriptSegmentAdded,
		Source:    "pipeline",
		MeetingID: "meeting-123",
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if decoded.Type != TranscriptSegmentAdded {
		t.Errorf("type = %q, want %q", decoded.Type, TranscriptSegmentAdded)
	}
	if decoded.MeetingID != "meeting-123" {
		t.Errorf("meeting_id = %q, want %q", decoded.MeetingID, "meeting-123")
	}

	var payload TranscriptSegmentData
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Seq != 7 {
		t.Errorf("seq = %d, want 7", payload.Seq)
	}
	if payload.Text != "hello from the meeting" {
		t.Errorf("text = %q, want %q", payload.Text, "hello from the meeting")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		RestartAttempting, RestartFailed,
		SilenceDetected, TranscriptSegmentAdded,
		MeetingStarted, MeetingEnded,
		ModelLoaded, ModelUnloaded,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}

func TestPublisherFanOut(t *testing.T) {
	pub := NewPublisher("test", nil)
	defer pub.Close()

	ch := pub.Subscribe("sub-1", 4)

	if err := pub.Emit(MeetingStarted, "m-1", &MeetingStartedData{Source: "microphone"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	select {
	case env := <-ch:
		if env.Type != MeetingStarted {
			t.Errorf("type = %q, want %q", env.Type, MeetingStarted)
		}
		if env.MeetingID != "m-1" {
			t.Errorf("meeting_id = %q, want %q", env.MeetingID, "m-1")
		}
		if env.ID == "" {
			t.Error("envelope id should be populated")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublisherDropsWhenSubscriberFull(t *testing.T) {
	pub := NewPublisher("test", nil)
	defer pub.Close()

	ch := pub.Subscribe("slow", 1)

	// Second emit has nowhere to go; it must not block.
	pub.Emit(SilenceDetected, "", &SilenceDetectedData{DBFS: -60})
	done := make(chan struct{})
	go func() {
		pub.Emit(SilenceDetected, "", &SilenceDetectedData{DBFS: -61})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}

	env := <-ch
	var payload SilenceDetectedData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DBFS != -60 {
		t.Errorf("expected first event retained, got dbfs %.1f", payload.DBFS)
	}
}

func TestPublisherUnsubscribeClosesChannel(t *testing.T) {
	pub := NewPublisher("test", nil)
	defer pub.Close()

	ch := pub.Subscribe("sub-1", 4)
	pub.Unsubscribe("sub-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Emitting after unsubscribe must not panic.
	if err := pub.Emit(MeetingEnded, "m-1", &MeetingEndedData{Segments: 3}); err != nil {
		t.Fatalf("Emit after unsubscribe failed: %v", err)
	}
}

func TestPublisherClose(t *testing.T) {
	pub := NewPublisher("test", nil)

	ch := pub.Subscribe("sub-1", 4)
	pub.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed on Close")
	}

	// Emit and Subscribe after Close are safe no-ops.
	if err := pub.Emit(ModelLoaded, "", &ModelEventData{Model: "base"}); err != nil {
		t.Fatalf("Emit after close failed: %v", err)
	}
	late := pub.Subscribe("late", 4)
	if _, ok := <-late; ok {
		t.Error("expected closed channel for subscription after Close")
	}
}
