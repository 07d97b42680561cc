package queue

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Damonbodine/meetingcoder-sub000/internal/audio"
)

// Item status values as stored in the journal.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusDone       = "done"
	statusFailed     = "failed"
)

const journalSchema = `
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		meeting_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at REAL NOT NULL,
		updated_at REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
`

// Journal persists per-chunk queue state in SQLite so what was queued and in
// flight survives a crash for inspection. Callers treat journal errors as
// non-fatal; the audio path never stops for bookkeeping.
type Journal struct {
	db *sql.DB
}

// JournalCounts is the number of items per status.
type JournalCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// OpenJournal opens or creates the journal database at path. The special
// path ":memory:" keeps the journal in memory; tests use it.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	// Concurrent workers update the journal; a single connection keeps
	// sqlite from returning table-lock errors between them.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordQueued inserts a chunk in queued state. Re-enqueueing the same chunk
// ID resets its row.
func (j *Journal) RecordQueued(chunk *audio.Chunk) error {
	now := unixSeconds()
	_, err := j.db.Exec(`INSERT OR REPLACE INTO queue_items
		(id, meeting_id, seq, start_ms, end_ms, status, attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		chunk.ID, chunk.MeetingID, int64(chunk.Seq),
		offsetMs(chunk.StartOffset, chunk.SampleRate),
		offsetMs(chunk.EndOffset, chunk.SampleRate),
		statusQueued, now, now)
	if err != nil {
		return fmt.Errorf("record queued item: %w", err)
	}
	return nil
}

// MarkProcessing moves an item into processing state for the given attempt.
func (j *Journal) MarkProcessing(id string, attempt int) error {
	_, err := j.db.Exec(`UPDATE queue_items
		SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
		statusProcessing, attempt, unixSeconds(), id)
	if err != nil {
		return fmt.Errorf("mark item processing: %w", err)
	}
	return nil
}

// MarkDone moves an item into done state.
func (j *Journal) MarkDone(id string) error {
	_, err := j.db.Exec(`UPDATE queue_items
		SET status = ?, error = '', updated_at = ?
		WHERE id = ?`,
		statusDone, unixSeconds(), id)
	if err != nil {
		return fmt.Errorf("mark item done: %w", err)
	}
	return nil
}

// MarkFailed moves an item into failed state with its final error.
func (j *Journal) MarkFailed(id string, attempts int, errMsg string) error {
	_, err := j.db.Exec(`UPDATE queue_items
		SET status = ?, attempts = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		statusFailed, attempts, errMsg, unixSeconds(), id)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return nil
}

// Counts returns the number of items per status.
func (j *Journal) Counts() (JournalCounts, error) {
	var counts JournalCounts

	rows, err := j.db.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("query item counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan item count: %w", err)
		}
		switch status {
		case statusQueued:
			counts.Queued = n
		case statusProcessing:
			counts.Processing = n
		case statusDone:
			counts.Done = n
		case statusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate item counts: %w", err)
	}

	return counts, nil
}

// BacklogSeconds returns the audio time still queued or in flight.
func (j *Journal) BacklogSeconds() (float64, error) {
	var ms int64
	err := j.db.QueryRow(`SELECT COALESCE(SUM(end_ms - start_ms), 0)
		FROM queue_items
		WHERE status IN (?, ?)`,
		statusQueued, statusProcessing).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("query journal backlog: %w", err)
	}
	return float64(ms) / 1000.0, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func offsetMs(offset uint64, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(offset) * 1000 / int64(sampleRate)
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
