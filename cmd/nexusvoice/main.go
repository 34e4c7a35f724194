// Command nexusvoice runs a live voice conversation on the default sound
// devices, or a single media generation with -generate.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/nexusvoice/internal/app"
	"github.com/MrWong99/nexusvoice/internal/config"
	"github.com/MrWong99/nexusvoice/internal/media"
	"github.com/MrWong99/nexusvoice/internal/observe"
	"github.com/MrWong99/nexusvoice/pkg/audio/portaudio"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/nexusvoice/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/nexusvoice/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional .env file with secrets")
	prompt := flag.String("generate", "", "run a single media generation with this prompt and exit")
	mode := flag.String("mode", string(media.ModeText), "generation mode: TEXT, IMAGE, AUDIO or VIDEO")
	attach := flag.String("attach", "", "file to attach to the generation request")
	previous := flag.String("previous", "", "video handle to extend (VIDEO mode)")
	out := flag.String("out", "", "write generated media to this file instead of printing a data URL")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "nexusvoice: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nexusvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nexusvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Attributes:     []attribute.KeyValue{attribute.String("nexusvoice.s2s.provider", cfg.Providers.S2S.Name)},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if *prompt != "" {
		return generate(ctx, cfg, generateFlags{
			prompt:   *prompt,
			mode:     *mode,
			attach:   *attach,
			previous: *previous,
			out:      *out,
		})
	}
	return converse(ctx, cfg, *configPath, level, telemetry.Handler())
}

// ── Live conversation ─────────────────────────────────────────────────────────

func converse(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar, metrics http.Handler) int {
	slog.Info("nexusvoice starting",
		"version", version,
		"provider", cfg.Providers.S2S.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		slog.Error("failed to create s2s provider", "name", cfg.Providers.S2S.Name, "known", reg.S2SNames(), "err", err)
		return 1
	}

	if err := portaudio.Initialize(); err != nil {
		slog.Error("audio init failed", "err", err)
		return 1
	}
	defer portaudio.Terminate()

	output, err := portaudio.OpenOutput(cfg.Live.OutputSampleRate, 0)
	if err != nil {
		slog.Error("failed to open output device", "err", err)
		return 1
	}

	application, err := app.New(cfg, &app.Providers{
		S2S:    provider,
		Input:  portaudio.NewInput(),
		Output: output,
	},
		app.WithLogLevel(level),
		app.WithMetricsHandler(metrics),
		app.WithCloser(output.Close),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = output.Close()
		return 1
	}

	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("listening; press Ctrl+C to end the conversation")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		slog.Info("goodbye")
		return 0
	case errors.Is(runErr, s2s.ErrConnectionClosed):
		slog.Info("conversation ended by the remote service", "reason", runErr)
		return 0
	default:
		slog.Error("conversation failed", "err", runErr)
		return 1
	}
}

// registerBuiltinProviders wires the built-in s2s provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// ── Single-shot generation ────────────────────────────────────────────────────

type generateFlags struct {
	prompt, mode, attach, previous, out string
}

func generate(ctx context.Context, cfg *config.Config, f generateFlags) int {
	m, err := media.ParseMode(f.mode)
	if err != nil {
		slog.Error("invalid mode", "err", err)
		return 2
	}
	req := media.Request{Prompt: f.prompt, Mode: m, Previous: media.Handle(f.previous)}
	if f.attach != "" {
		att, err := readAttachment(f.attach)
		if err != nil {
			slog.Error("failed to read attachment", "err", err)
			return 1
		}
		req.Attachment = att
	}

	entry := cfg.Providers.Media
	if entry.APIKey == "" {
		entry.APIKey = cfg.Providers.S2S.APIKey
	}
	var opts []media.Option
	if entry.BaseURL != "" {
		opts = append(opts, media.WithBaseURL(entry.BaseURL))
	}
	gen, err := media.New(ctx, entry.APIKey, mediaConfig(cfg.Media), opts...)
	if err != nil {
		slog.Error("failed to create media generator", "err", err)
		return 1
	}

	res, err := gen.Generate(ctx, req)
	if err != nil {
		slog.Error("generation failed", "mode", m, "err", err)
		return 1
	}

	if f.out != "" && res.MediaURL != "" {
		if err := saveMedia(ctx, res.MediaURL, f.out); err != nil {
			slog.Error("failed to save media", "err", err)
			return 1
		}
		slog.Info("media written", "path", f.out)
		res.MediaURL = f.out
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("failed to print result", "err", err)
		return 1
	}
	return 0
}

func mediaConfig(c config.MediaConfig) media.Config {
	return media.Config{
		TextModel:        c.TextModel,
		ImageModel:       c.ImageModel,
		TTSModel:         c.TTSModel,
		TTSVoice:         c.TTSVoice,
		VideoModel:       c.VideoModel,
		VideoExtendModel: c.VideoExtendModel,
		PollInterval:     c.PollInterval,
		SystemPrompt:     c.SystemPrompt,
	}
}

func readAttachment(path string) (*media.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return &media.Attachment{Data: data, MIMEType: mt, Name: filepath.Base(path)}, nil
}

// saveMedia writes a data URL's payload, or downloads an http(s) URL, to path.
func saveMedia(ctx context.Context, url, path string) error {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		_, payload, found := strings.Cut(rest, ";base64,")
		if !found {
			return fmt.Errorf("unsupported data URL")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("decode data URL: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: %s", resp.Status)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
