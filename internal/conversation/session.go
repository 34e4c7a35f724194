// Package conversation runs one live voice conversation: microphone frames
// stream to a speech-to-speech backend while the backend's spoken replies are
// scheduled gaplessly on the output device.
//
// A [Session] moves through Idle → Connecting → Active → Ending → Idle. Start
// acquires the capture device and opens the transport concurrently and rolls
// both back if either fails. Once active, a single event-loop goroutine owns
// the playback schedule and the transcript buffer, so inbound audio,
// interruptions and turn boundaries are applied strictly in arrival order.
// Capture frames reach the transport through a separate send goroutine fed by
// a bounded queue; when the queue is full the frame is dropped.
//
// This package is internal because it encapsulates application-private
// pipeline wiring.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nexusvoice/internal/observe"
	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/audio/playback"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
)

var (
	// ErrBusy is returned by [Session.Start] when the session is not idle.
	ErrBusy = errors.New("conversation: session already started")

	// ErrStopped is returned by [Session.Start] when [Session.Stop] was
	// called before the session became active.
	ErrStopped = errors.New("conversation: stopped while connecting")
)

const defaultFrameQueue = 16

// Drop reasons recorded on the frames.dropped counter.
const (
	dropNotActive = "not_active"
	dropQueueFull = "queue_full"
	dropSendError = "send_error"
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Capture is the microphone side of a session. [capture.Tap] satisfies it.
type Capture interface {
	Start(onFrame func(audio.AudioFrame)) error
	Stop() error
}

// Observer receives session notifications so a UI can mirror the
// conversation. Calls are made one at a time, in the order the changes
// happened, on a goroutine the session never waits for. A notification may
// arrive after the method that caused it has returned. Observer methods may
// call [Session.Stop] or [Session.Start].
type Observer interface {
	// OnState is called after every state transition.
	OnState(State)

	// OnTranscript is called with the full caption of the current turn
	// whenever it changes. An empty string means the turn ended.
	OnTranscript(text string)

	// OnEnded is called once per started session after teardown. err is nil
	// for a local stop, or wraps [s2s.ErrConnectionClosed] or
	// [s2s.ErrTransport] when the remote side ended the session.
	OnEnded(err error)
}

// Option is a functional option for [New].
type Option func(*Session)

// WithLogger sets the base logger. Each started session adds a session_id
// attribute. Defaults to the trace-aware logger from [observe.Logger].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithObserver registers o for session notifications.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.notify.obs = o }
}

// WithFrameQueue sets how many capture frames may wait for the transport
// before new ones are dropped. The default is 16.
func WithFrameQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.frameQueue = n
		}
	}
}

// WithProviderName sets the provider label used on metrics and logs.
func WithProviderName(name string) Option {
	return func(s *Session) { s.providerName = name }
}

// Session orchestrates one conversation at a time. It may be started again
// after it has returned to [StateIdle]. All methods are safe for concurrent
// use.
type Session struct {
	capture  Capture
	player   *playback.Scheduler
	provider s2s.Provider
	cfg      s2s.Config

	log          *slog.Logger
	metrics      *observe.Metrics
	notify       notifier
	frameQueue   int
	providerName string

	state atomic.Int32

	mu  sync.Mutex
	cur *run

	tmu        sync.Mutex
	transcript strings.Builder
}

// run holds everything owned by one Start..teardown cycle.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	cfg       s2s.Config
	transport s2s.Session
	frames    chan audio.AudioFrame

	// stopped is set under Session.mu by Stop during Connecting.
	stopped bool

	halt     chan struct{}
	haltOnce sync.Once
	sendDone chan struct{}
	done     chan struct{}
	err      error
}

func (r *run) stop() {
	r.haltOnce.Do(func() { close(r.halt) })
}

// New returns an idle Session. Inbound audio is decoded at
// cfg.OutputSampleRate and scheduled on player.
func New(c Capture, player *playback.Scheduler, p s2s.Provider, cfg s2s.Config, opts ...Option) *Session {
	s := &Session{
		capture:      c,
		player:       player,
		provider:     p,
		cfg:          cfg,
		frameQueue:   defaultFrameQueue,
		providerName: "s2s",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.cfg.OutputSampleRate == 0 {
		s.cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	return s
}

// Reconfigure replaces the transport configuration used by the next Start.
// A running conversation keeps the configuration it started with.
func (s *Session) Reconfigure(cfg s2s.Config) {
	if cfg.OutputSampleRate == 0 {
		cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Transcript returns the caption accumulated in the current turn.
func (s *Session) Transcript() string {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.transcript.String()
}

// Done returns a channel that is closed when the current session has been
// torn down. It returns a closed channel when the session is idle.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.cur.done
}

// Start acquires the capture device and opens the transport concurrently.
// If either fails, whatever was acquired is released, the session returns to
// [StateIdle] and the error is returned; nothing is retried. Device failures
// wrap [audio.ErrDeviceUnavailable]; transport failures wrap
// [s2s.ErrConnect].
//
// On success the session is [StateActive] when Start returns. Cancelling ctx
// afterwards ends the session as [Session.Stop] does.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	base := s.log
	if base == nil {
		base = observe.Logger(ctx)
	}
	r := &run{
		id:       id,
		cfg:      s.cfg,
		ctx:      runCtx,
		cancel:   cancel,
		log:      base.With("session_id", id, "provider", s.providerName),
		frames:   make(chan audio.AudioFrame, s.frameQueue),
		halt:     make(chan struct{}),
		sendDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.cur = r
	s.state.Store(int32(StateConnecting))
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	spanCtx, span := observe.StartSpan(runCtx, "conversation.start",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("provider", s.providerName),
		),
	)
	defer span.End()

	began := time.Now()
	transport, captured, err := s.acquire(spanCtx, r)

	s.mu.Lock()
	if r.stopped {
		err = ErrStopped
	}
	if err != nil {
		s.mu.Unlock()
		s.rollback(r, transport, captured)
		s.metrics.RecordSessionOpen(ctx, s.providerName, "error", time.Since(began).Seconds())
		observe.FailSpan(span, err)
		r.log.Warn("conversation start failed", "err", err)
		return err
	}
	r.transport = transport
	s.state.Store(int32(StateActive))
	s.mu.Unlock()

	s.metrics.RecordSessionOpen(ctx, s.providerName, "ok", time.Since(began).Seconds())
	s.metrics.ActiveSessions.Add(ctx, 1, s.providerAttr())
	r.log.Info("conversation active")
	s.notifyState(StateActive)

	go s.sendLoop(r)
	go s.eventLoop(r)
	return nil
}

// acquire starts capture and connects the transport concurrently. A failure
// on one side cancels the other.
func (s *Session) acquire(ctx context.Context, r *run) (s2s.Session, bool, error) {
	var (
		transport s2s.Session
		captured  atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.capture.Start(func(f audio.AudioFrame) { s.onFrame(r, f) }); err != nil {
			return fmt.Errorf("conversation: acquire capture: %w", err)
		}
		captured.Store(true)
		return nil
	})
	g.Go(func() error {
		sess, err := s.provider.Connect(gctx, r.cfg)
		if err != nil {
			return fmt.Errorf("conversation: open transport: %w", err)
		}
		transport = sess
		return nil
	})
	err := g.Wait()
	return transport, captured.Load(), err
}

// rollback releases a partially started session and returns to idle.
func (s *Session) rollback(r *run, transport s2s.Session, captured bool) {
	if captured {
		if err := s.capture.Stop(); err != nil {
			r.log.Warn("release capture", "err", err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			r.log.Warn("close transport", "err", err)
		}
		go audio.Drain(transport.Events())
	}
	r.cancel()
	r.stop()
	close(r.sendDone)

	s.mu.Lock()
	s.cur = nil
	s.state.Store(int32(StateIdle))
	s.mu.Unlock()
	close(r.done)
	s.notifyState(StateIdle)
}

// Stop ends the session and waits until every resource has been released.
// It is a no-op when the session is idle. A Stop during Connecting cancels
// the pending acquisition, and Start then returns [ErrStopped].
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	switch s.State() {
	case StateConnecting:
		r.stopped = true
		r.cancel()
	case StateActive:
		s.state.Store(int32(StateEnding))
		r.stop()
	}
	s.mu.Unlock()

	<-r.done
	return r.err
}

// onFrame runs on the capture callback. It never blocks.
func (s *Session) onFrame(r *run, f audio.AudioFrame) {
	select {
	case <-r.halt:
		return
	default:
	}
	if s.State() != StateActive {
		s.metrics.RecordFrameDropped(r.ctx, dropNotActive)
		return
	}
	select {
	case r.frames <- f:
	default:
		s.metrics.RecordFrameDropped(r.ctx, dropQueueFull)
	}
}

// sendLoop encodes queued capture frames and hands them to the transport,
// one chunk per frame.
func (s *Session) sendLoop(r *run) {
	defer close(r.sendDone)
	for {
		select {
		case <-r.halt:
			return
		case f := <-r.frames:
			if err := r.transport.Send(audio.EncodeFrame(f)); err != nil {
				r.log.Debug("send frame", "err", err)
				s.metrics.RecordFrameDropped(r.ctx, dropSendError)
				continue
			}
			s.metrics.FramesSent.Add(r.ctx, 1)
		}
	}
}

// eventLoop is the single owner of the playback schedule and the transcript
// while the session is active.
func (s *Session) eventLoop(r *run) {
	var cause error
	defer func() { s.teardown(r, cause) }()

	events := r.transport.Events()
	for {
		select {
		case <-r.halt:
			return
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				cause = fmt.Errorf("conversation: %w", s2s.ErrConnectionClosed)
				return
			}
			if ev.Terminal() {
				cause = terminalCause(ev)
				return
			}
			if s.State() != StateActive {
				return
			}
			s.handle(r, ev)
		}
	}
}

func terminalCause(ev s2s.Event) error {
	if ev.Type == s2s.EventError {
		if ev.Err != nil {
			return fmt.Errorf("conversation: %w", ev.Err)
		}
		return fmt.Errorf("conversation: %w", s2s.ErrTransport)
	}
	if ev.Reason != "" {
		return fmt.Errorf("conversation: %w: %s", s2s.ErrConnectionClosed, ev.Reason)
	}
	return fmt.Errorf("conversation: %w", s2s.ErrConnectionClosed)
}

func (s *Session) handle(r *run, ev s2s.Event) {
	switch ev.Type {
	case s2s.EventAudioChunk:
		frame, err := audio.DecodeChunk(ev.Audio, r.cfg.OutputSampleRate)
		if err != nil {
			s.metrics.ChunksMalformed.Add(r.ctx, 1)
			r.log.Warn("skipping inbound chunk", "err", err)
			return
		}
		if len(frame.Samples) == 0 {
			return
		}
		if _, err := s.player.EnqueueNow(frame); err != nil {
			r.log.Warn("schedule playback", "err", err)
			return
		}
		s.metrics.ChunksReceived.Add(r.ctx, 1)

	case s2s.EventInterrupted:
		n := s.player.Flush()
		s.metrics.Interruptions.Add(r.ctx, 1)
		r.log.Debug("playback flushed", "voices", n)

	case s2s.EventTranscriptFragment:
		if ev.Source != s2s.SourceOutput || ev.Text == "" {
			return
		}
		s.tmu.Lock()
		s.transcript.WriteString(ev.Text)
		text := s.transcript.String()
		s.tmu.Unlock()
		s.notifyTranscript(text)

	case s2s.EventTurnComplete:
		s.resetTranscript()
		s.metrics.Turns.Add(r.ctx, 1)
	}
}

func (s *Session) resetTranscript() {
	s.tmu.Lock()
	had := s.transcript.Len() > 0
	s.transcript.Reset()
	s.tmu.Unlock()
	if had {
		s.notifyTranscript("")
	}
}

// teardown releases everything owned by r. It runs exactly once per active
// session, on the event-loop goroutine.
func (s *Session) teardown(r *run, cause error) {
	s.state.Store(int32(StateEnding))
	s.notifyState(StateEnding)
	r.stop()
	r.cancel()

	var errs []error
	if err := s.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("conversation: release capture: %w", err))
	}
	if err := r.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("conversation: close transport: %w", err))
	}
	<-r.sendDone
	go audio.Drain(r.transport.Events())

	flushed := s.player.Flush()
	s.resetTranscript()
	s.metrics.ActiveSessions.Add(context.Background(), -1, s.providerAttr())

	r.err = errors.Join(errs...)
	if r.err != nil {
		r.log.Warn("conversation teardown", "err", r.err)
	}
	r.log.Info("conversation ended", "cause", cause, "flushed", flushed)

	s.mu.Lock()
	s.cur = nil
	s.state.Store(int32(StateIdle))
	s.mu.Unlock()
	close(r.done)

	s.notifyState(StateIdle)
	s.notify.post(func(o Observer) { o.OnEnded(cause) })
}

func (s *Session) providerAttr() metric.AddOption {
	return metric.WithAttributes(observe.Attr("provider", s.providerName))
}

func (s *Session) notifyState(st State) {
	s.notify.post(func(o Observer) { o.OnState(st) })
}

func (s *Session) notifyTranscript(text string) {
	s.notify.post(func(o Observer) { o.OnTranscript(text) })
}
