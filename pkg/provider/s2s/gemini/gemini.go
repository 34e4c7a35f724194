// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Capture frames are transmitted as base64-encoded PCM chunks; synthesised
// audio, transcripts and turn signals are surfaced as [s2s.Event] values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRates: []int{audio.CaptureSampleRate},
		OutputSampleRate: audio.PlaybackSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete. The returned session is open.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	if err := p.validate(cfg); err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}
	sess.disp = s2s.NewDispatcher(eventBuffer, sessCtx.Done())

	if err := sess.handshake(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrConnect, err)
	}
	sess.disp.Open()

	go sess.receiveLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

func (p *Provider) validate(cfg s2s.Config) error {
	if cfg.ResponseModality != "" && cfg.ResponseModality != s2s.ModalityAudio {
		return fmt.Errorf("gemini: response modality %q not supported: %w", cfg.ResponseModality, s2s.ErrConnect)
	}
	if cfg.OutputSampleRate != 0 && cfg.OutputSampleRate != audio.PlaybackSampleRate {
		return fmt.Errorf("gemini: output sample rate %d not supported: %w", cfg.OutputSampleRate, s2s.ErrConnect)
	}
	caps := p.Capabilities()
	if cfg.InputSampleRate != 0 && !slices.Contains(caps.InputSampleRates, cfg.InputSampleRate) {
		return fmt.Errorf("gemini: input sample rate %d not supported: %w", cfg.InputSampleRate, s2s.ErrConnect)
	}
	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Status)
	}
	return msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	disp *s2s.Dispatcher

	mu     sync.Mutex
	closed bool

	// goAwayLeft records the remaining time announced by the last goAway.
	goAwayLeft string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// handshake sends setup and reads until setupComplete. Server errors and
// closes before the acknowledgement fail the handshake.
func (s *session) handshake(ctx context.Context, model string, cfg s2s.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(s2s.ModalityAudio)},
			},
		},
	}
	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var resp serverMessage
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if resp.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the event channel and finishes it when it exits.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.disp.Finish(s.terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			s.disp.Finish(s2s.Event{
				Type: s2s.EventError,
				Err:  fmt.Errorf("gemini: %w: %w", s2s.ErrTransport, msg.Error),
			})
			s.shutdown(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.GoAway != nil {
			s.mu.Lock()
			s.goAwayLeft = msg.GoAway.TimeLeft
			s.mu.Unlock()
		}
		if msg.ServerContent != nil {
			s.handleServerContent(msg.ServerContent)
		}
	}
}

// terminalEvent classifies the error that ended the read loop.
func (s *session) terminalEvent(err error) s2s.Event {
	if s.ctx.Err() != nil {
		return s2s.Event{Type: s2s.EventClosed, Reason: "closed by client"}
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := "closed by server"
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		s.mu.Lock()
		if s.goAwayLeft != "" {
			reason += " (goAway " + s.goAwayLeft + ")"
		}
		s.mu.Unlock()
		return s2s.Event{Type: s2s.EventClosed, Reason: reason}
	default:
		return s2s.Event{
			Type: s2s.EventError,
			Err:  fmt.Errorf("gemini: read: %w: %w", s2s.ErrTransport, err),
		}
	}
}

// handleServerContent emits the events carried by one serverContent message.
// An interruption refers to audio generated before this message, so it is
// emitted first; turnComplete closes the message. It stops early when the
// session is stopping; the next Read then fails and finishes the channel.
func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		if !s.disp.Emit(s2s.Event{Type: s2s.EventInterrupted}) {
			return
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			if !s.disp.Emit(s2s.Event{Type: s2s.EventAudioChunk, Audio: p.InlineData.Data}) {
				return
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscriptFragment, Text: sc.InputTranscription.Text, Source: s2s.SourceInput}
		if !s.disp.Emit(ev) {
			return
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscriptFragment, Text: sc.OutputTranscription.Text, Source: s2s.SourceOutput}
		if !s.disp.Emit(ev) {
			return
		}
	}
	if sc.TurnComplete {
		s.disp.Emit(s2s.Event{Type: s2s.EventTurnComplete})
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send delivers one PCM16 capture frame as a realtimeInput media chunk.
// Frames sent while the session is not open are dropped.
func (s *session) Send(chunk audio.EncodedChunk) error {
	if s.disp.State() != s2s.StateOpen {
		return nil
	}

	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMimeType(audio.CaptureSampleRate)
	}
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mime, Data: audio.ToTransportText(chunk.Data)}},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if s.disp.State() != s2s.StateOpen {
			return nil
		}
		return fmt.Errorf("gemini: send: %w: %w", s2s.ErrTransport, err)
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(code, reason)
}
