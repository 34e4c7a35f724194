package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when a PCM16 payload cannot be decoded,
// typically because its byte length is odd.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// ToPCM16 converts normalised samples to little-endian signed 16-bit PCM.
// Each sample s becomes round(s*32767). Samples outside [-1, 1] are not
// clamped and wrap around the int16 range.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(math.Round(float64(s) * 32767)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// FromPCM16 decodes little-endian signed 16-bit PCM into a frame at
// sampleRate. Each value v becomes v/32768. It returns [ErrMalformedFrame]
// when len(pcm) is odd.
func FromPCM16(pcm []byte, sampleRate int) (AudioFrame, error) {
	if len(pcm)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("audio: decode pcm16 (%d bytes): %w", len(pcm), ErrMalformedFrame)
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate}, nil
}

// ToTransportText encodes raw bytes as standard base64 for text-only
// transports.
func ToTransportText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromTransportText reverses [ToTransportText].
func FromTransportText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport text: %w", err)
	}
	return b, nil
}

// EncodeFrame converts a frame into a transport chunk tagged with the
// frame's sample rate.
func EncodeFrame(f AudioFrame) EncodedChunk {
	return EncodedChunk{Data: ToPCM16(f.Samples), MIMEType: PCMMimeType(f.SampleRate)}
}

// DecodeChunk decodes a transport-text PCM16 payload into a frame at
// sampleRate. Undecodable text and odd byte lengths both yield
// [ErrMalformedFrame].
func DecodeChunk(text string, sampleRate int) (AudioFrame, error) {
	b, err := FromTransportText(text)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return FromPCM16(b, sampleRate)
}
