// Package app wires the nexusvoice subsystems into a running process.
//
// The App struct owns the full lifecycle: New builds the capture tap, the
// playback scheduler and the conversation session, Run serves the HTTP
// surface and holds one conversation open, and Shutdown tears everything
// down in order.
//
// For testing, pass mock devices and a mock speech-to-speech provider in
// [Providers]; nothing in New touches real hardware.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/nexusvoice/internal/config"
	"github.com/MrWong99/nexusvoice/internal/conversation"
	"github.com/MrWong99/nexusvoice/internal/health"
	"github.com/MrWong99/nexusvoice/internal/observe"
	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/audio/capture"
	"github.com/MrWong99/nexusvoice/pkg/audio/playback"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
)

// Providers holds the external collaborators of a conversation. All three
// are required.
type Providers struct {
	S2S    s2s.Provider
	Input  audio.InputDevice
	Output audio.OutputDevice
}

// availability is implemented by devices that can report presence without
// being opened.
type availability interface {
	Available() error
}

// App owns all subsystem lifetimes.
type App struct {
	// cfg is replaced by ApplyConfig from the config watcher goroutine.
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	metrics        *observe.Metrics
	level          *slog.LevelVar
	metricsHandler http.Handler
	observer       conversation.Observer

	tap    *capture.Tap
	player *playback.Scheduler
	conv   *conversation.Session
	mux    *http.ServeMux
	server *http.Server

	// ended receives the cause passed to OnEnded.
	ended chan error

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the level variable of the process logger to the App so
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithObserver receives the conversation callbacks after the App has
// processed them.
func WithObserver(o conversation.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithCloser registers fn to run during Shutdown, after the conversation has
// stopped. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and providers.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Input == nil || providers.Output == nil {
		return nil, errors.New("app: s2s provider, input and output devices are required")
	}
	a := &App{
		providers: providers,
		ended:     make(chan error, 1),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.tap = capture.New(providers.Input, capture.Config{
		SampleRate: cfg.Live.InputSampleRate,
		FrameSize:  cfg.Live.FrameSize,
	})
	a.player = playback.New(providers.Output)
	a.conv = conversation.New(a.tap, a.player, providers.S2S, cfg.Live.SessionConfig(),
		conversation.WithMetrics(a.metrics),
		conversation.WithObserver(a),
		conversation.WithFrameQueue(cfg.Live.FrameQueue),
		conversation.WithProviderName(cfg.Providers.S2S.Name),
	)

	a.mux = http.NewServeMux()
	a.health().Register(a.mux)
	if a.metricsHandler != nil {
		a.mux.Handle("GET /metrics", a.metricsHandler)
	}
	return a, nil
}

func (a *App) health() *health.Handler {
	opts := []health.Option{
		health.WithProbe("session", func() string { return a.conv.State().String() }),
		health.WithProbe("voices", func() string { return strconv.Itoa(a.player.Live()) }),
	}
	if dev, ok := a.providers.Input.(availability); ok {
		opts = append(opts, health.WithChecker("input_device", func(context.Context) error {
			return dev.Available()
		}))
	}
	if dev, ok := a.providers.Output.(availability); ok {
		opts = append(opts, health.WithChecker("output_device", func(context.Context) error {
			return dev.Available()
		}))
	}
	return health.New(opts...)
}

// Handler returns the HTTP surface: health probes and, if configured, metrics.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.mux)
}

// Session returns the conversation session.
func (a *App) Session() *conversation.Session {
	return a.conv
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr (if set), starts the conversation
// and blocks until ctx is cancelled or the conversation ends on its own.
//
// A remote end returns the cause, e.g. an error wrapping
// [s2s.ErrConnectionClosed]. Cancellation returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if addr := a.Config().Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.server = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		slog.Info("http listening", "addr", ln.Addr().String())
	}

	if err := a.conv.Start(ctx); err != nil {
		return fmt.Errorf("app: start conversation: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-a.ended:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Log level changes take effect immediately; live settings apply to the next
// conversation. Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LiveChanged {
		a.conv.Reconfigure(new.Live.SessionConfig())
		slog.Info("live settings updated; they apply to the next conversation")
	}
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires restart", "key", key)
	}
	a.cfg.Store(new)
}

// Config returns the configuration most recently applied.
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// ─── conversation.Observer ───────────────────────────────────────────────────

// OnState implements [conversation.Observer].
func (a *App) OnState(s conversation.State) {
	slog.Debug("conversation state", "state", s)
	if a.observer != nil {
		a.observer.OnState(s)
	}
}

// OnTranscript implements [conversation.Observer].
func (a *App) OnTranscript(text string) {
	if text != "" {
		slog.Debug("caption", "text", text)
	}
	if a.observer != nil {
		a.observer.OnTranscript(text)
	}
}

// OnEnded implements [conversation.Observer].
func (a *App) OnEnded(err error) {
	select {
	case a.ended <- err:
	default:
	}
	if a.observer != nil {
		a.observer.OnEnded(err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the conversation, the HTTP server and then the registered
// closers. If ctx expires first, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.conv.Stop(); err != nil {
			slog.Warn("conversation stop error", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
