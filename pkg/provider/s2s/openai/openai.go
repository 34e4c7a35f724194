// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Capture frames are appended to the input audio buffer as base64-encoded
// PCM16; server voice activity detection drives turn taking, so a
// speech_started event surfaces as [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only PCM16 rate the Realtime API accepts and emits.
	sampleRate = 24000

	eventBuffer = 64

	meterScope = "github.com/MrWong99/nexusvoice/pkg/provider/s2s/openai"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used for input transcription when
// transcription is enabled. Defaults to whisper-1.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithLogger sets the logger for non-fatal server errors. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithMeterProvider sets where the server error counter is registered.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Provider) { p.meters = mp }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string

	log       *slog.Logger
	meters    metric.MeterProvider
	serverErr metric.Int64Counter
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.meters == nil {
		p.meters = otel.GetMeterProvider()
	}
	c, err := p.meters.Meter(meterScope).Int64Counter("nexusvoice.transport.server_errors",
		metric.WithDescription("Error events received from the Realtime API, by error type and fatality."),
	)
	if err != nil {
		c = noop.Int64Counter{}
	}
	p.serverErr = c
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRates: []int{sampleRate},
		OutputSampleRate: sampleRate,
		Voices:           []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated. The returned session is open.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	if cfg.ResponseModality != "" && cfg.ResponseModality != s2s.ModalityAudio {
		return nil, fmt.Errorf("openai: response modality %q not supported: %w", cfg.ResponseModality, s2s.ErrConnect)
	}
	if (cfg.InputSampleRate != 0 && cfg.InputSampleRate != sampleRate) || (cfg.OutputSampleRate != 0 && cfg.OutputSampleRate != sampleRate) {
		return nil, fmt.Errorf("openai: pcm16 requires %d Hz input and output (got %d/%d): %w",
			sampleRate, cfg.InputSampleRate, cfg.OutputSampleRate, s2s.ErrConnect)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log,
		errs:   p.serverErr,
	}
	sess.disp = s2s.NewDispatcher(eventBuffer, sessCtx.Done())

	if err := sess.handshake(ctx, p.sessionParams(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrConnect, err)
	}
	sess.disp.Open()

	go sess.receiveLoop()

	return sess, nil
}

func (p *Provider) sessionParams(cfg s2s.Config) sessionParams {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemPrompt,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.Transcription {
		params.InputAudioTranscription = &inputTranscription{Model: p.transcriptionModel}
	}
	return params
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

// fatal reports whether the error means the session cannot continue: an
// internal server failure or an expired session.
func (e *serverErrorDetail) fatal() bool {
	return e.Type == "server_error" || e.Code == "session_expired"
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	disp *s2s.Dispatcher

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	log  *slog.Logger
	errs metric.Int64Counter
}

// handshake sends session.update and reads until session.updated.
func (s *session) handshake(ctx context.Context, params sessionParams) error {
	data, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				return errors.New("unknown error")
			}
			return evt.Error
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the event channel and finishes it when it exits.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.disp.Finish(s.terminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if evt.Type == "error" {
			if s.serverError(evt.Error) {
				return
			}
			continue
		}
		if ev, ok := translate(&evt); ok {
			s.disp.Emit(ev)
		}
	}
}

// serverError handles a Realtime error event. Most errors reject a single
// client event and leave the connection usable; those are logged and counted.
// It reports whether the error ended the session.
func (s *session) serverError(detail *serverErrorDetail) bool {
	if detail == nil {
		detail = &serverErrorDetail{}
	}
	fatal := detail.fatal()
	s.errs.Add(s.ctx, 1, metric.WithAttributes(
		attribute.String("type", detail.Type),
		attribute.Bool("fatal", fatal),
	))
	if !fatal {
		s.log.Warn("openai: server rejected event", "type", detail.Type, "code", detail.Code, "err", detail)
		return false
	}
	s.disp.Finish(s2s.Event{
		Type: s2s.EventError,
		Err:  fmt.Errorf("openai: %w: %w", s2s.ErrTransport, detail),
	})
	s.shutdown(websocket.StatusNormalClosure, "server error")
	return true
}

// translate maps a Realtime server event onto the s2s event taxonomy.
func translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventAudioChunk, Audio: evt.Delta}, true

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventTranscriptFragment, Text: evt.Delta, Source: s2s.SourceOutput}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventTranscriptFragment, Text: evt.Transcript, Source: s2s.SourceInput}, true

	case "input_audio_buffer.speech_started":
		return s2s.Event{Type: s2s.EventInterrupted}, true

	case "response.done":
		return s2s.Event{Type: s2s.EventTurnComplete}, true
	}
	return s2s.Event{}, false
}

func (s *session) terminalEvent(err error) s2s.Event {
	if s.ctx.Err() != nil {
		return s2s.Event{Type: s2s.EventClosed, Reason: "closed by client"}
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := "closed by server"
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		return s2s.Event{Type: s2s.EventClosed, Reason: reason}
	default:
		return s2s.Event{
			Type: s2s.EventError,
			Err:  fmt.Errorf("openai: read: %w: %w", s2s.ErrTransport, err),
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send appends one PCM16 capture frame to the input audio buffer. Frames
// sent while the session is not open are dropped.
func (s *session) Send(chunk audio.EncodedChunk) error {
	if s.disp.State() != s2s.StateOpen {
		return nil
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.ToTransportText(chunk.Data),
	})
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if s.disp.State() != s2s.StateOpen {
			return nil
		}
		return fmt.Errorf("openai: send: %w: %w", s2s.ErrTransport, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.Event { return s.disp.Events() }

// State returns the current lifecycle state.
func (s *session) State() s2s.State { return s.disp.State() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.disp.Terminate(s2s.StateClosed)
	s.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(code, reason)
}
