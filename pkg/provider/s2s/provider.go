// Package s2s defines the transport contract for streaming speech-to-speech
// backends.
//
// A speech-to-speech backend accepts a continuous stream of PCM16 capture
// frames and returns synthesised speech as it becomes available, together
// with transcript fragments and conversational control events (turn
// complete, interrupted). Examples are Gemini Live and the OpenAI Realtime
// API.
//
// The central abstraction is [Session]: one logical streaming connection
// whose inbound traffic is demultiplexed into an ordered [Event] channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/nexusvoice/pkg/audio"
)

// Sentinel errors classifying transport failures. Implementations wrap them
// so callers can use [errors.Is].
var (
	// ErrConnect is returned by [Provider.Connect] when the session could not
	// be opened (authentication, network, capability mismatch).
	ErrConnect = errors.New("s2s: connect failed")

	// ErrTransport is carried by an [EventError] when the remote service
	// reports a failure after the session was open.
	ErrTransport = errors.New("s2s: transport error")

	// ErrConnectionClosed describes a graceful remote-initiated close.
	ErrConnectionClosed = errors.New("s2s: connection closed")
)

// Modality names the kind of response requested from the backend.
type Modality string

// ModalityAudio requests spoken responses.
const ModalityAudio Modality = "AUDIO"

// Config is the configuration of a new session.
type Config struct {
	// InputSampleRate of the capture frames sent with [Session.Send].
	InputSampleRate int

	// OutputSampleRate expected for inbound audio chunks.
	OutputSampleRate int

	// Voice is the backend-specific name of the synthesis voice.
	Voice string

	// ResponseModality requested from the backend. Only [ModalityAudio] is
	// supported.
	ResponseModality Modality

	// SystemPrompt is the system-level instruction for the conversation.
	SystemPrompt string

	// Transcription enables transcript fragments for the model's speech.
	Transcription bool
}

// DefaultConfig returns 16 kHz input, 24 kHz output and audio responses.
func DefaultConfig() Config {
	return Config{
		InputSampleRate:  audio.CaptureSampleRate,
		OutputSampleRate: audio.PlaybackSampleRate,
		ResponseModality: ModalityAudio,
	}
}

// State is the lifecycle state of a [Session].
type State int

const (
	// StateConnecting is the state while the handshake is in progress.
	StateConnecting State = iota

	// StateOpen accepts frames and dispatches inbound events.
	StateOpen

	// StateClosed is terminal after a local or graceful remote close.
	StateClosed

	// StateErrored is the terminal closed state after a transport failure.
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// EventType classifies inbound session events.
type EventType int

const (
	// EventAudioChunk carries synthesised PCM16 audio in Event.Audio.
	EventAudioChunk EventType = iota

	// EventTranscriptFragment carries transcript text in Event.Text.
	EventTranscriptFragment

	// EventTurnComplete marks the end of a conversational turn.
	EventTurnComplete

	// EventInterrupted signals that the remote party started a new turn
	// while audio was still being delivered.
	EventInterrupted

	// EventClosed is the final event after a close. Event.Reason describes it.
	EventClosed

	// EventError is the final event after a transport failure. Event.Err
	// wraps [ErrTransport].
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudioChunk:
		return "AUDIO_CHUNK"
	case EventTranscriptFragment:
		return "TRANSCRIPT_FRAGMENT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventClosed:
		return "CLOSED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TranscriptSource says whose speech a transcript fragment belongs to.
type TranscriptSource int

const (
	// SourceOutput is the model's synthesised speech.
	SourceOutput TranscriptSource = iota

	// SourceInput is the user's captured speech.
	SourceInput
)

// Event is one inbound occurrence, delivered in arrival order.
type Event struct {
	Type EventType

	// Audio is the transport-text (base64) PCM16 payload of an
	// [EventAudioChunk]. It is decoded by the consumer.
	Audio string

	// Text and Source describe an [EventTranscriptFragment].
	Text   string
	Source TranscriptSource

	// Reason describes an [EventClosed].
	Reason string

	// Err is set on [EventError].
	Err error
}

// Terminal reports whether e is the last event a session delivers.
func (e Event) Terminal() bool {
	return e.Type == EventClosed || e.Type == EventError
}

// Session is one open streaming connection. All methods must be safe for
// concurrent use.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Send transmits one encoded capture frame. Frames sent while the session
	// is not [StateOpen] are silently dropped and Send returns nil. A non-nil
	// error means the frame could not be written to an open connection.
	Send(chunk audio.EncodedChunk) error

	// Events returns the inbound event channel. Exactly one terminal event
	// ([EventClosed] or [EventError]) is delivered, after which the channel
	// is closed. Consumers must drain the channel promptly.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Close terminates the session. It is idempotent and returns nil on
	// subsequent calls.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRates lists accepted capture rates. Empty means any rate.
	InputSampleRates []int

	// OutputSampleRate is the rate of inbound audio chunks.
	OutputSampleRate int

	// Voices lists known voice names. Empty means unknown.
	Voices []string
}

// Provider opens sessions against one backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect opens a new session and returns once the backend has confirmed
	// it, so the returned session is in [StateOpen]. On failure the returned
	// error wraps [ErrConnect] and no session is left open.
	Connect(ctx context.Context, cfg Config) (Session, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
