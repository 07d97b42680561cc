package pipeline

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTrimOverlap(t *testing.T) {
	tests := []struct {
		name     string
		prev     string
		cur      string
		expected string
	}{
		{
			name:     "trims duplicated phrase",
			prev:     "the quick brown fox jumps over",
			cur:      "jumps over the lazy dog",
			expected: " the lazy dog",
		},
		{
			name:     "no overlap unchanged",
			prev:     "completely different text here",
			cur:      "and now for something else",
			expected: "and now for something else",
		},
		{
			name:     "overlap shorter than minimum kept",
			prev:     "ends with short",
			cur:      "short tail kept whole",
			expected: "short tail kept whole",
		},
		{
			name:     "empty prev unchanged",
			prev:     "",
			cur:      "first window text",
			expected: "first window text",
		},
		{
			name:     "empty cur unchanged",
			prev:     "some prior text",
			cur:      "",
			expected: "",
		},
		{
			name:     "whole cur duplicated",
			prev:     "we will talk about quarterly results",
			cur:      "quarterly results",
			expected: "",
		},
		{
			name:     "unicode overlap trims on runes",
			prev:     "сьогодні ми обговорюємо бюджет на рік",
			cur:      "бюджет на рік і плани команди",
			expected: " і плани команди",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimOverlap(tt.prev, tt.cur); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestTrimOverlapLongestWins(t *testing.T) {
	// Both a 10-char and a longer duplicate exist; the longer probe runs
	// first and wins.
	prev := "one two three four five six seven"
	cur := "five six seven eight nine"

	got := TrimOverlap(prev, cur)
	if got != " eight nine" {
		t.Errorf("Expected longest overlap trimmed, got %q", got)
	}
}

func TestTrimOverlapBeyondProbeWindow(t *testing.T) {
	// A duplicate longer than the probe window is not detected; the probed
	// prefix of cur never lines up with the tail of prev.
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "word%02d ", i)
	}
	overlap := strings.TrimSpace(b.String()) // 139 chars, no repeats
	prev := "lead-in " + overlap
	cur := overlap + " trailing"

	if got := TrimOverlap(prev, cur); got != cur {
		t.Errorf("Expected text unchanged when overlap exceeds the probe window, got %q", got)
	}
}

func TestMeetingTranscript(t *testing.T) {
	meeting := &Meeting{
		Segments: []TranscriptSegment{
			{Speaker: "Speaker 1", Text: "hello everyone"},
			{Speaker: "Speaker 2", Text: "  hi there  "},
			{Speaker: "Speaker 1", Text: "   "},
			{Speaker: "Speaker 1", Text: "let's begin"},
		},
	}

	expected := "Speaker 1: hello everyone\nSpeaker 2: hi there\nSpeaker 1: let's begin\n"
	if got := meeting.Transcript(); got != expected {
		t.Errorf("Expected transcript %q, got %q", expected, got)
	}

	empty := &Meeting{}
	if got := empty.Transcript(); got != "" {
		t.Errorf("Expected empty transcript, got %q", got)
	}
}

func TestMeetingDuration(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	ended := started.Add(time.Minute)

	completed := &Meeting{StartedAt: started, EndedAt: &ended}
	if got := completed.Duration(); got != time.Minute {
		t.Errorf("Expected 1m duration, got %v", got)
	}

	inProgress := &Meeting{StartedAt: started}
	if got := inProgress.Duration(); got < 89*time.Second {
		t.Errorf("Expected in-progress duration near 90s, got %v", got)
	}

	unstarted := &Meeting{}
	if got := unstarted.Duration(); got != 0 {
		t.Errorf("Expected zero duration, got %v", got)
	}
}
