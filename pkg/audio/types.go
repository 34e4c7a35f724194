package audio

import (
	"fmt"
	"time"
)

// Sample rates used by the conversation engine.
const (
	// CaptureSampleRate is the rate at which microphone frames are streamed
	// to the remote service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesized speech returned by the
	// remote service.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples in one capture frame.
	DefaultFrameSize = 4096
)

// AudioFrame is a block of mono samples at a declared sample rate. Frames are
// produced by a capture device or decoded from an inbound chunk and are not
// modified after they are handed to a consumer.
type AudioFrame struct {
	// Samples holds normalised mono samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Timestamp marks the position of the first sample relative to the
	// start of the stream that produced it.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. A frame with no sample
// rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Seconds returns the playback length of the frame in seconds.
func (f AudioFrame) Seconds() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// EncodedChunk is a PCM16 payload tagged with its media type. Chunks are
// created per frame and consumed immediately by a transport or decoder.
type EncodedChunk struct {
	Data     []byte
	MIMEType string
}

// PCMMimeType returns the media-type tag for raw 16-bit PCM at rate.
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}
