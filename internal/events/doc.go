// Package events provides the in-process event bus used by the pipeline to
// announce lifecycle changes: capture restarts, silence, transcript
// segments, meeting start/end, and model load state. Subscribers receive
// typed envelopes over buffered channels; slow subscribers drop events
// instead of stalling producers.
package events
