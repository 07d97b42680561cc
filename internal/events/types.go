package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the pipeline bus.
type EventType string

const (
	RestartAttempting      EventType = "restart.attempting"
	RestartFailed          EventType = "restart.failed"
	SilenceDetected        EventType = "silence.detected"
	TranscriptSegmentAdded EventType = "transcript.segment_added"
	MeetingStarted         EventType = "meeting.started"
	MeetingEnded           EventType = "meeting.ended"
	ModelLoaded            EventType = "model.loaded"
	ModelUnloaded          EventType = "model.unloaded"
)

// Envelope is the standard wrapper delivered to subscribers.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	MeetingID string            `json:"meeting_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RestartAttemptingData is the payload for restart.attempting events.
type RestartAttemptingData struct {
	Attempt      int     `json:"attempt"`
	DelaySeconds float64 `json:"delay_seconds"`
	LastError    string  `json:"last_error,omitempty"`
}

// RestartFailedData is the payload for restart.failed events.
type RestartFailedData struct {
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	Exhausted bool   `json:"exhausted"`
}

// SilenceDetectedData is the payload for silence.detected events.
type SilenceDetectedData struct {
	DBFS            float64 `json:"dbfs"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// TranscriptSegmentData is the payload for transcript.segment_added events.
type TranscriptSegmentData struct {
	Seq          uint64  `json:"seq"`
	Text         string  `json:"text"`
	Speaker      string  `json:"speaker,omitempty"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// MeetingStartedData is the payload for meeting.started events.
type MeetingStartedData struct {
	Title  string `json:"title,omitempty"`
	Source string `json:"source"`
}

// MeetingEndedData is the payload for meeting.ended events.
type MeetingEndedData struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Segments        int     `json:"segments"`
}

// ModelEventData is the payload for model.loaded and model.unloaded events.
type ModelEventData struct {
	Model  string `json:"model"`
	LoadMs int64  `json:"load_ms,omitempty"`
	Reason string `json:"reason,omitempty"`
}
