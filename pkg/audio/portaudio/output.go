package portaudio

import (
	"errors"
	"fmt"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/audio/mixer"
	pa "github.com/gordonklaus/portaudio"
)

var _ audio.OutputDevice = (*Output)(nil)

// Output is the host's default speaker. Scheduling and the device clock are
// provided by the embedded [mixer.Mixer], which the stream callback drives.
type Output struct {
	*mixer.Mixer
	stream *pa.Stream
}

// OpenOutput opens and starts the default output device at rate Hz.
// framesPerBuffer trades latency against callback overhead; zero lets the
// host choose.
func OpenOutput(rate, framesPerBuffer int) (*Output, error) {
	m := mixer.New(rate)
	stream, err := pa.OpenDefaultStream(0, 1, float64(rate), framesPerBuffer, m.Render)
	if err != nil {
		return nil, fmt.Errorf("%w: output: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: output start: %w", audio.ErrDeviceUnavailable, err)
	}
	return &Output{Mixer: m, stream: stream}, nil
}

// Close stops every voice and releases the device.
func (o *Output) Close() error {
	o.Mixer.Close()
	return errors.Join(o.stream.Stop(), o.stream.Close())
}
