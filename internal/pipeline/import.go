package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
	"github.com/Damonbodine/meetingcoder-sub000/internal/events"
	"github.com/Damonbodine/meetingcoder-sub000/internal/queue"
	"github.com/Damonbodine/meetingcoder-sub000/internal/vad"
)

// Import transcribes a recorded WAV file as a complete meeting. The file is
// decoded, resampled to the pipeline rate, segmented offline, and pushed
// through the same transcription queue as live audio. Neighboring windows
// overlap slightly, so each transcribed text has the duplicated prefix
// trimmed before it joins the transcript. Import and live capture exclude
// each other.
func (p *Pipeline) Import(ctx context.Context, wavPath, meetingName string) (*Meeting, error) {
	p.mu.Lock()
	if p.running || p.importing {
		p.mu.Unlock()
		return nil, ErrMeetingActive
	}
	p.importing = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.importing = false
		p.mu.Unlock()
	}()

	samples, rate, err := audio.DecodeWAVFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV file: %w", err)
	}
	if rate != audio.TargetSampleRate {
		resampler, err := audio.NewResampler(rate, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}
		samples, err = resampler.Process(audio.Frame{
			Samples:    samples,
			SampleRate: rate,
			Channels:   1,
			Timestamp:  time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resample import audio: %w", err)
		}
	}

	cfg := p.currentConfig()

	meeting := &Meeting{
		ID:        xid.New().String(),
		Name:      meetingName,
		StartedAt: time.Now(),
		Status:    MeetingRecording,
	}
	if meeting.Name == "" {
		meeting.Name = strings.TrimSuffix(filepath.Base(wavPath), filepath.Ext(wavPath))
	}

	p.mu.Lock()
	p.meeting = meeting
	p.speaker = 0
	p.mu.Unlock()

	p.events.Emit(events.MeetingStarted, meeting.ID, events.MeetingStartedData{
		Title:  meeting.Name,
		Source: "file:" + wavPath,
	})
	p.logger.Info("Import started",
		slog.String("meeting_id", meeting.ID),
		slog.String("path", wavPath),
		slog.Float64("audio_seconds", float64(len(samples))/float64(audio.TargetSampleRate)))

	chunks, err := p.buildImportChunks(samples, meeting.ID)
	if err != nil {
		p.completeMeeting(meeting)
		return nil, err
	}
	if len(chunks) == 0 {
		p.completeMeeting(meeting)
		return p.Meeting(), nil
	}

	var journal *queue.Journal
	if cfg.Queue.JournalPath != "" {
		journal, err = queue.OpenJournal(cfg.Queue.JournalPath)
		if err != nil {
			p.logger.Warn("Queue journal disabled",
				slog.String("path", cfg.Queue.JournalPath),
				slog.String("error", err.Error()))
			journal = nil
		}
	}

	q, err := queue.NewQueue(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		Workers:     cfg.Queue.WorkerCount,
		MaxRetries:  cfg.Queue.MaxRetries,
		ItemTimeout: cfg.Transcription.GetTimeoutDuration(),
	}, p.transcribeChunk, journal, p.metrics, p.logger)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		p.completeMeeting(meeting)
		return nil, fmt.Errorf("failed to create transcription queue: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range q.Results() {
			p.handleImportResult(meeting, result)
		}
	}()

	var enqueueErr error
	for _, chunk := range chunks {
		if p.metrics != nil {
			p.metrics.RecordChunkProduced(chunk.Kind.String(), chunk.Duration().Seconds(), chunk.Silent)
		}
		if err := q.Enqueue(ctx, chunk); err != nil {
			enqueueErr = err
			break
		}
	}

	q.Close()
	<-done
	stats := q.GetStats()
	if journal != nil {
		journal.Close()
	}

	p.completeMeeting(meeting)
	p.logger.Info("Import completed",
		slog.String("meeting_id", meeting.ID),
		slog.Int("chunks", len(chunks)),
		slog.Uint64("chunks_completed", stats.Completed),
		slog.Uint64("chunks_failed", stats.Failed),
		slog.Int("segments", len(p.Meeting().Segments)))

	if enqueueErr != nil {
		return nil, fmt.Errorf("import aborted: %w", enqueueErr)
	}
	return p.Meeting(), nil
}

// buildImportChunks segments decoded audio offline. Fixed windowing slices
// the recording into overlapping windows; VAD mode runs the same
// detector-plus-segmenter chain the live pump uses.
func (p *Pipeline) buildImportChunks(samples []float32, meetingID string) ([]*audio.Chunk, error) {
	cfg := p.currentConfig()

	if cfg.Segmenter.UseFixedWindowsForImports {
		windows := audio.BuildFixedWindows(len(samples),
			int(cfg.Segmenter.GetFixedWindowDuration().Seconds()),
			cfg.Segmenter.FixedWindowOverlapSeconds,
			audio.TargetSampleRate)
		chunks := make([]*audio.Chunk, 0, len(windows))
		for i, w := range windows {
			chunks = append(chunks, &audio.Chunk{
				ID:          xid.New().String(),
				Seq:         uint64(i),
				MeetingID:   meetingID,
				StartOffset: uint64(w.Start),
				EndOffset:   uint64(w.End),
				Samples:     samples[w.Start:w.End],
				SampleRate:  audio.TargetSampleRate,
				Kind:        audio.KindFixed,
				CreatedAt:   time.Now(),
			})
		}
		return chunks, nil
	}

	detector, err := vad.NewDetector(cfg.Capture.SilenceThresholdDBFS, vad.DefaultWindowSize, audio.TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence detector: %w", err)
	}
	segmenter, err := audio.NewSegmenter(audio.SegmenterConfig{
		SampleRate:         audio.TargetSampleRate,
		MinSegmentDuration: cfg.Segmenter.GetMinSegmentDuration(),
		MaxChunkDuration:   cfg.Segmenter.GetChunkDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	var chunks []*audio.Chunk
	windowSize := detector.WindowSize()
	for off := 0; off+windowSize <= len(samples); off += windowSize {
		window := samples[off : off+windowSize]
		result, err := detector.Process(window)
		if err != nil {
			continue
		}
		if chunk := segmenter.ProcessWindow(window, uint64(off), result.Silent); chunk != nil {
			chunk.MeetingID = meetingID
			chunks = append(chunks, chunk)
		}
	}
	if chunk := segmenter.Flush(); chunk != nil {
		chunk.MeetingID = meetingID
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// handleImportResult appends one transcribed window to the import meeting.
// Import windows overlap, so the duplicated prefix is trimmed against the
// previous segment before the text is kept. Import transcripts carry a
// single speaker label.
func (p *Pipeline) handleImportResult(meeting *Meeting, result queue.Result) {
	if result.Err != nil {
		p.recordError("import", result.Err)
		return
	}
	text := strings.TrimSpace(result.Transcript.Text)
	if text == "" {
		return
	}

	p.mu.Lock()
	if n := len(meeting.Segments); n > 0 {
		text = TrimOverlap(meeting.Segments[n-1].Text, text)
	}
	if strings.TrimSpace(text) == "" {
		p.mu.Unlock()
		return
	}
	segment := TranscriptSegment{
		Speaker:    "Speaker 1",
		StartTime:  result.Chunk.StartSeconds(),
		EndTime:    result.Chunk.EndSeconds(),
		Text:       text,
		Confidence: result.Transcript.Confidence,
		Timestamp:  time.Now(),
	}
	meeting.Segments = append(meeting.Segments, segment)
	p.mu.Unlock()

	p.events.Emit(events.TranscriptSegmentAdded, meeting.ID, events.TranscriptSegmentData{
		Seq:          result.Chunk.Seq,
		Text:         text,
		Speaker:      segment.Speaker,
		StartSeconds: segment.StartTime,
		EndSeconds:   segment.EndTime,
	})
}

func (p *Pipeline) completeMeeting(meeting *Meeting) {
	p.mu.Lock()
	now := time.Now()
	meeting.Status = MeetingCompleted
	meeting.EndedAt = &now
	duration := now.Sub(meeting.StartedAt)
	segments := len(meeting.Segments)
	p.mu.Unlock()

	p.events.Emit(events.MeetingEnded, meeting.ID, events.MeetingEndedData{
		DurationSeconds: duration.Seconds(),
		Segments:        segments,
	})
}
