// Package queue runs segmented audio chunks through a transcription worker
// pool with bounded buffering and strict in-order result emission. An
// optional SQLite journal records per-chunk state for post-crash inspection.
package queue
