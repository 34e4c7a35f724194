// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.Input{}
//	out := mock.NewOutput()
//	tap := capture.New(in, capture.DefaultConfig())
//	_ = tap.Start(onFrame)
//	in.Emit(make([]float32, 4096)) // delivers one frame
//	out.SetTime(1.5)               // ends every voice finished by t=1.5
package mock

import (
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.Voice        = (*Voice)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.InputDevice]. Set the exported fields before use;
// inspect the call counters after.
type Input struct {
	mu sync.Mutex

	// DeviceID is returned by ID. Defaults to "mock-input".
	DeviceID string

	// Rate is the sample rate reported by opened streams. Zero means the
	// rate requested in [audio.InputConfig].
	Rate int

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by the stream's Close.
	CloseErr error

	// OpenCalls and CloseCalls count Open and stream Close invocations.
	OpenCalls  int
	CloseCalls int

	// LastConfig is the config passed to the most recent Open.
	LastConfig audio.InputConfig

	open bool
	cb   func([]float32)
}

// ID implements [audio.InputDevice].
func (d *Input) ID() string {
	if d.DeviceID == "" {
		return "mock-input"
	}
	return d.DeviceID
}

// Open implements [audio.InputDevice].
func (d *Input) Open(cfg audio.InputConfig, onSamples func([]float32)) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	d.LastConfig = cfg
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	rate := d.Rate
	if rate == 0 {
		rate = cfg.SampleRate
	}
	d.open = true
	d.cb = onSamples
	return &inputStream{dev: d, rate: rate}, nil
}

// Emit invokes the most recently registered callback with samples, even
// after the stream was closed, which simulates a callback racing with
// shutdown. It reports whether a callback was registered.
func (d *Input) Emit(samples []float32) bool {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// IsOpen reports whether a stream is currently open.
func (d *Input) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Calls returns the Open and Close call counts.
func (d *Input) Calls() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.OpenCalls, d.CloseCalls
}

type inputStream struct {
	dev  *Input
	rate int
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.CloseCalls++
	s.dev.open = false
	return s.dev.CloseErr
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.OutputDevice] driven by a manual clock. Voices end
// when the clock is moved past their end time with [Output.SetTime] or
// [Output.Advance].
type Output struct {
	mu sync.Mutex

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	now    float64
	voices []*Voice
}

// NewOutput returns an Output whose clock starts at zero.
func NewOutput() *Output {
	return &Output{}
}

// Now implements [audio.OutputDevice].
func (o *Output) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.OutputDevice]. The voice starts at max(at, Now()).
func (o *Output) Play(frame audio.AudioFrame, at float64, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	v := &Voice{
		Frame:   frame,
		At:      at,
		Start:   max(at, o.now),
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// SetTime moves the clock to t (never backwards) and ends every voice whose
// end time is at or before t. End callbacks run on the caller's goroutine.
func (o *Output) SetTime(t float64) {
	o.mu.Lock()
	if t > o.now {
		o.now = t
	}
	var ended []*Voice
	for _, v := range o.voices {
		if v.End() <= o.now {
			ended = append(ended, v)
		}
	}
	o.mu.Unlock()

	for _, v := range ended {
		v.finish(false)
	}
}

// Advance moves the clock forward by d seconds.
func (o *Output) Advance(d float64) {
	o.SetTime(o.Now() + d)
}

// Voices returns every voice played so far, in scheduling order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Voice is a frame played on an [Output].
type Voice struct {
	// Frame is the frame passed to Play.
	Frame audio.AudioFrame

	// At is the requested start time; Start is the effective start time.
	At    float64
	Start float64

	mu      sync.Mutex
	done    bool
	stopped bool
	onEnded func()
}

// End returns the device time at which the voice finishes naturally.
func (v *Voice) End() float64 {
	return v.Start + v.Frame.Seconds()
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.finish(true)
}

// Stopped reports whether the voice was stopped before it finished.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Done reports whether the voice has ended, naturally or by Stop.
func (v *Voice) Done() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done
}

func (v *Voice) finish(stopped bool) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	v.stopped = stopped
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}
