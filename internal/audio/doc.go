// Package audio implements the sample-domain core of the capture pipeline:
// the fixed-capacity ring buffer with overwrite-oldest semantics, the
// linear-interpolation resampler that normalizes device audio to the 16 kHz
// mono pipeline format, the voice-activity segmenter that turns buffered
// audio into bounded transcription chunks, and the WAV codec used at the
// engine and import boundaries.
package audio
