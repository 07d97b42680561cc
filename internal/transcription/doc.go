// Package transcription implements the HTTP client for the transcription
// engine and the model lifecycle manager. The client uploads chunk audio as
// multipart WAV with retry and rate limiting; the manager coalesces loads,
// applies the idle unload policy, and serializes state transitions.
package transcription
