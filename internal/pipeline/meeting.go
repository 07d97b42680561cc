package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// MeetingStatus represents the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingRecording MeetingStatus = "recording"
	MeetingPaused    MeetingStatus = "paused"
	MeetingCompleted MeetingStatus = "completed"
)

// TranscriptSegment is one transcribed span of a meeting. Times are seconds
// relative to the start of capture.
type TranscriptSegment struct {
	Speaker    string    `json:"speaker"`
	StartTime  float64   `json:"start_time"`
	EndTime    float64   `json:"end_time"`
	Text       string    `json:"text"`
	Confidence float32   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Meeting is a single recording session and its accumulated transcript.
// EndedAt is nil while the meeting is still in progress.
type Meeting struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   *time.Time          `json:"ended_at,omitempty"`
	Status    MeetingStatus       `json:"status"`
	Segments  []TranscriptSegment `json:"segments"`
}

// Duration returns the meeting length. For a meeting still in progress the
// duration runs up to now.
func (m *Meeting) Duration() time.Duration {
	if m.StartedAt.IsZero() {
		return 0
	}
	end := time.Now()
	if m.EndedAt != nil {
		end = *m.EndedAt
	}
	return end.Sub(m.StartedAt)
}

// Transcript renders the accumulated segments as speaker-labeled lines.
func (m *Meeting) Transcript() string {
	var b strings.Builder
	for _, segment := range m.Segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", segment.Speaker, text)
	}
	return b.String()
}

const (
	// overlapTailRunes is how much of the previous segment's tail is
	// searched for a duplicated prefix of the next segment.
	overlapTailRunes = 200
	// overlapMaxProbe and overlapMinProbe bound the probed prefix length.
	overlapMaxProbe = 120
	overlapMinProbe = 10
)

// TrimOverlap removes from cur the longest prefix that duplicates the tail
// of prev. Overlapping import windows transcribe their shared audio twice;
// the repeated words show up as a cur prefix ending the prev text. Probes
// run from the longest candidate down so the largest duplicate wins.
func TrimOverlap(prev, cur string) string {
	prevRunes := []rune(prev)
	curRunes := []rune(cur)
	if len(prevRunes) == 0 || len(curRunes) == 0 {
		return cur
	}

	tail := prevRunes
	if len(tail) > overlapTailRunes {
		tail = tail[len(tail)-overlapTailRunes:]
	}

	maxProbe := overlapMaxProbe
	if len(curRunes) < maxProbe {
		maxProbe = len(curRunes)
	}
	for k := maxProbe; k >= overlapMinProbe; k-- {
		if k > len(tail) {
			continue
		}
		probe := curRunes[:k]
		if string(tail[len(tail)-k:]) == string(probe) {
			return string(curRunes[k:])
		}
	}
	return cur
}
