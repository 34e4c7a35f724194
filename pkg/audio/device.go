// Package audio defines the audio frame model, the PCM16 frame codec and the
// device abstractions used by the conversation engine.
//
// The device abstractions are:
//
//   - [InputDevice] opens a callback-driven microphone stream.
//   - [OutputDevice] exposes a monotonic device clock and schedules frames
//     to start at an exact offset on that clock.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// capture tap and the playback scheduler stay decoupled from the backend.
package audio

import "errors"

// ErrDeviceUnavailable is returned when an input or output device does not
// exist, cannot be opened, or is already held by another capture.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputConfig describes the stream requested from an [InputDevice].
type InputConfig struct {
	// SampleRate is the preferred rate in Hz. Devices may open at a different
	// rate; the actual rate is reported by [InputStream.SampleRate].
	SampleRate int

	// FramesPerBuffer is the preferred number of samples per callback.
	// Devices may deliver callbacks of any size.
	FramesPerBuffer int
}

// InputStream is an open microphone stream.
type InputStream interface {
	// SampleRate returns the rate at which samples are delivered.
	SampleRate() int

	// Close stops the stream and releases the device. Callbacks already in
	// flight may still complete after Close returns.
	Close() error
}

// InputDevice is a microphone that delivers mono samples through a callback.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// ID identifies the physical device. Two InputDevice values with the same
	// ID refer to the same hardware.
	ID() string

	// Open starts the device and invokes onSamples from the device's own
	// goroutine for every buffer it produces. The slice passed to onSamples is
	// only valid for the duration of the call.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if no device is present
	// or access is denied.
	Open(cfg InputConfig, onSamples func(samples []float32)) (InputStream, error)
}

// Voice is one frame scheduled on an [OutputDevice].
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that already
	// finished is a no-op.
	Stop()
}

// OutputDevice plays frames against its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the device clock in seconds. The clock never decreases.
	Now() float64

	// Play schedules frame to start at device time at (seconds). If at is in
	// the past, playback starts immediately. onEnded, if non-nil, is invoked at
	// most once when the voice finishes or is stopped. It is never invoked
	// from within Play.
	Play(frame AudioFrame, at float64, onEnded func()) (Voice, error)
}
