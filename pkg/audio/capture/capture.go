// Package capture turns a callback-driven microphone stream into a sequence
// of fixed-size [audio.AudioFrame] values.
//
// A [Tap] holds an exclusive lease on its input device for as long as it is
// started: a second Tap on the same device fails with
// [audio.ErrDeviceUnavailable] instead of sharing the hardware.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

// leases maps a device ID to the *Tap currently holding it.
var leases sync.Map

// Config describes the frames a [Tap] emits.
type Config struct {
	// SampleRate of emitted frames in Hz. Device samples are resampled when
	// the device opens at a different rate.
	SampleRate int

	// FrameSize is the exact number of samples in every emitted frame.
	FrameSize int
}

// DefaultConfig returns 4096-sample frames at 16 kHz.
func DefaultConfig() Config {
	return Config{SampleRate: audio.CaptureSampleRate, FrameSize: audio.DefaultFrameSize}
}

// Option configures a [Tap].
type Option func(*Tap)

// WithLogger sets the logger used for resampling and release diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tap) {
		t.log = l
	}
}

// Tap bridges an [audio.InputDevice] into fixed-size frames.
//
// All exported methods are safe for concurrent use.
type Tap struct {
	dev audio.InputDevice
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	stream     audio.InputStream
	gen        uint64 // bumped on every Start and Stop; stale callbacks carry an old value
	onFrame    func(audio.AudioFrame)
	deviceRate int
	resampler  *audio.Resampler // nil until a callback arrives at a foreign rate
	buf        []float32
	emitted    int64 // samples delivered since Start
}

// New creates a Tap for dev. Zero fields in cfg fall back to [DefaultConfig].
func New(dev audio.InputDevice, cfg Config, opts ...Option) *Tap {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	t := &Tap{dev: dev, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Config returns the frame configuration of the tap.
func (t *Tap) Config() Config {
	return t.cfg
}

// Start acquires the device and begins delivering frames to onFrame, one
// call per completed frame, in capture order. onFrame runs on the device's
// callback goroutine; it must not block and must not call back into the Tap.
//
// Start returns an error wrapping [audio.ErrDeviceUnavailable] when the
// device is missing, denied, or already held by another Tap.
func (t *Tap) Start(onFrame func(audio.AudioFrame)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.dev.ID()
	if t.stream != nil {
		return fmt.Errorf("capture: start %s: already started: %w", id, audio.ErrDeviceUnavailable)
	}
	if holder, loaded := leases.LoadOrStore(id, t); loaded && holder != t {
		return fmt.Errorf("capture: start %s: device held by another capture: %w", id, audio.ErrDeviceUnavailable)
	}

	t.gen++
	gen := t.gen
	t.onFrame = onFrame
	t.buf = make([]float32, 0, t.cfg.FrameSize)
	t.resampler = nil
	t.emitted = 0

	stream, err := t.dev.Open(audio.InputConfig{
		SampleRate:      t.cfg.SampleRate,
		FramesPerBuffer: t.cfg.FrameSize,
	}, func(samples []float32) {
		t.push(gen, samples)
	})
	if err != nil {
		t.gen++
		t.onFrame = nil
		leases.CompareAndDelete(id, t)
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("capture: open %s: %w", id, err)
	}

	t.stream = stream
	t.deviceRate = stream.SampleRate()
	if t.deviceRate <= 0 {
		t.deviceRate = t.cfg.SampleRate
	}
	if t.deviceRate != t.cfg.SampleRate {
		t.log.Info("capture: device rate differs, resampling",
			"device", id,
			"device_rate", t.deviceRate,
			"frame_rate", t.cfg.SampleRate,
		)
	}
	return nil
}

// Stop releases the device. It is idempotent; calling it on a tap that was
// never started returns nil. Callbacks that race with Stop are discarded:
// once Stop returns, onFrame is never invoked again for this start.
func (t *Tap) Stop() error {
	t.mu.Lock()
	stream := t.stream
	if stream == nil {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	t.stream = nil
	t.onFrame = nil
	t.buf = nil
	t.resampler = nil
	t.mu.Unlock()

	// The stream is closed outside the lock: backends may wait for an
	// in-flight callback, which itself needs the lock to observe the new
	// generation.
	err := stream.Close()
	leases.CompareAndDelete(t.dev.ID(), t)
	if err != nil {
		return fmt.Errorf("capture: stop %s: %w", t.dev.ID(), err)
	}
	return nil
}

// Active reports whether the tap currently holds its device.
func (t *Tap) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil
}

// push appends device samples and emits every completed frame. Calls from
// a previous generation are dropped.
func (t *Tap) push(gen uint64, samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.onFrame == nil {
		return
	}
	rate := t.deviceRate
	if rate == 0 {
		// Callback fired before Open returned.
		rate = t.cfg.SampleRate
	}
	if rate != t.cfg.SampleRate {
		if t.resampler == nil {
			t.resampler = audio.NewResampler(rate, t.cfg.SampleRate)
		}
		samples = t.resampler.Process(samples)
	}
	t.buf = append(t.buf, samples...)

	for len(t.buf) >= t.cfg.FrameSize {
		frame := make([]float32, t.cfg.FrameSize)
		copy(frame, t.buf)
		n := copy(t.buf, t.buf[t.cfg.FrameSize:])
		t.buf = t.buf[:n]

		ts := time.Duration(t.emitted) * time.Second / time.Duration(t.cfg.SampleRate)
		t.emitted += int64(t.cfg.FrameSize)
		t.onFrame(audio.AudioFrame{Samples: frame, SampleRate: t.cfg.SampleRate, Timestamp: ts})
	}
}
