// Package capture owns the live audio path: device abstraction, the capture
// session that feeds the ring buffer, and the restart supervisor that brings
// capture back after mid-stream device failures. OS capture backends plug in
// through the Device interface and an Opener; the package ships a WAV file
// device for development and import verification.
package capture
