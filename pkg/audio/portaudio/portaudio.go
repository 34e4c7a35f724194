// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice]
// on the host's default sound devices via PortAudio.
//
// Call [Initialize] once before opening any device and [Terminate] on exit.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	pa "github.com/gordonklaus/portaudio"
)

var _ audio.InputDevice = (*Input)(nil)

// Initialize prepares the PortAudio library.
func Initialize() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library. Open streams are closed.
func Terminate() error {
	return pa.Terminate()
}

// Input is the host's default microphone.
type Input struct{}

// NewInput returns the default input device.
func NewInput() *Input { return &Input{} }

// ID implements [audio.InputDevice].
func (*Input) ID() string { return "portaudio:default-input" }

// Open implements [audio.InputDevice]. If the device refuses the requested
// rate, it is reopened at its native rate and the capture tap resamples.
func (in *Input) Open(cfg audio.InputConfig, onSamples func([]float32)) (audio.InputStream, error) {
	cb := func(buf []float32) { onSamples(buf) }

	rate := cfg.SampleRate
	stream, err := pa.OpenDefaultStream(1, 0, float64(rate), cfg.FramesPerBuffer, cb)
	if err != nil {
		dev, derr := pa.DefaultInputDevice()
		if derr != nil {
			return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, derr)
		}
		rate = int(dev.DefaultSampleRate)
		stream, err = pa.OpenDefaultStream(1, 0, dev.DefaultSampleRate, cfg.FramesPerBuffer, cb)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", audio.ErrDeviceUnavailable, dev.Name, err)
		}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start: %w", audio.ErrDeviceUnavailable, err)
	}
	return &inputStream{stream: stream, rate: rate}, nil
}

// Available reports whether a default input device is present.
func (*Input) Available() error {
	if _, err := pa.DefaultInputDevice(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	return nil
}

type inputStream struct {
	stream *pa.Stream
	rate   int
	once   sync.Once
	err    error
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.err
}
