// Package pipeline orchestrates the full capture-to-transcript flow: it owns
// the meeting lifecycle, pumps captured audio through silence detection and
// segmentation into the transcription queue, and assembles the ordered
// results into a speaker-labeled transcript. It also hosts the offline
// import path, which runs recorded WAV files through the same queue.
package pipeline
