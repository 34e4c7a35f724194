package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/nexusvoice/internal/config"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  s2s:
    name: gemini-live
    api_key: g-test
    model: gemini-2.5-flash-native-audio-preview-12-2025
  media:
    name: gemini
    api_key: g-test

live:
  voice: Zephyr
  system_prompt: You are Nexus.
  transcription: true

media:
  text_model: gemini-3-flash-preview
  poll_interval: 2s
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.S2S.Name != "gemini-live" || cfg.Providers.S2S.APIKey != "g-test" {
		t.Errorf("providers.s2s: got %+v", cfg.Providers.S2S)
	}
	if cfg.Live.Voice != "Zephyr" || !cfg.Live.Transcription {
		t.Errorf("live: got %+v", cfg.Live)
	}
	if cfg.Media.PollInterval != 2*time.Second {
		t.Errorf("media.poll_interval: got %s, want 2s", cfg.Media.PollInterval)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "{}")

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Providers.S2S.Name != config.DefaultS2SProvider {
		t.Errorf("providers.s2s.name: got %q", cfg.Providers.S2S.Name)
	}
	l := cfg.Live
	if l.InputSampleRate != 16000 || l.OutputSampleRate != 24000 || l.FrameSize != 4096 {
		t.Errorf("live rates: got in=%d out=%d frame=%d", l.InputSampleRate, l.OutputSampleRate, l.FrameSize)
	}
	if l.Voice != config.DefaultVoice || l.FrameQueue != config.DefaultFrameQueue {
		t.Errorf("live: got voice=%q queue=%d", l.Voice, l.FrameQueue)
	}
	if cfg.Media.PollInterval != 10*time.Second {
		t.Errorf("media.poll_interval: got %s", cfg.Media.PollInterval)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("live:\n  voise: Puck\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("NEXUSVOICE_TEST_KEY", "from-env")
	cfg := mustLoad(t, "providers:\n  s2s:\n    api_key: ${NEXUSVOICE_TEST_KEY}\n")
	if cfg.Providers.S2S.APIKey != "from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.S2S.APIKey, "from-env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NEXUSVOICE_DOTENV_KEY=dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEXUSVOICE_DOTENV_KEY", "")
	os.Unsetenv("NEXUSVOICE_DOTENV_KEY")

	if err := config.LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("NEXUSVOICE_DOTENV_KEY"); got != "dotenv" {
		t.Errorf("env: got %q, want %q", got, "dotenv")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(*config.Config) {}},
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "missing s2s provider",
			mutate:  func(c *config.Config) { c.Providers.S2S.Name = "" },
			wantErr: "providers.s2s.name",
		},
		{
			name:    "negative input rate",
			mutate:  func(c *config.Config) { c.Live.InputSampleRate = -1 },
			wantErr: "live.input_sample_rate",
		},
		{
			name:    "zero frame size",
			mutate:  func(c *config.Config) { c.Live.FrameSize = 0 },
			wantErr: "live.frame_size",
		},
		{
			name:    "openai needs 24 kHz input",
			mutate:  func(c *config.Config) { c.Providers.S2S.Name = "openai-realtime" },
			wantErr: "not supported by openai-realtime",
		},
		{
			name: "openai at 24 kHz",
			mutate: func(c *config.Config) {
				c.Providers.S2S.Name = "openai-realtime"
				c.Live.InputSampleRate = 24000
			},
		},
		{
			name:    "negative poll interval",
			mutate:  func(c *config.Config) { c.Media.PollInterval = -time.Second },
			wantErr: "media.poll_interval",
		},
		{
			name:   "unknown provider only warns",
			mutate: func(c *config.Config) { c.Providers.S2S.Name = "acme-voice" },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			tc.mutate(cfg)

			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Live.OutputSampleRate = -5

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "live.output_sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q: %v", want, err)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	if got := config.LogDebug.Level().String(); got != "DEBUG" {
		t.Errorf("debug: got %s", got)
	}
	if got := config.LogLevel("").Level().String(); got != "INFO" {
		t.Errorf("empty: got %s", got)
	}
}

func TestLiveConfig_SessionConfig(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	got := cfg.Live.SessionConfig()
	want := s2s.Config{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		Voice:            "Zephyr",
		ResponseModality: s2s.ModalityAudio,
		SystemPrompt:     "You are Nexus.",
		Transcription:    true,
	}
	if got != want {
		t.Errorf("SessionConfig: got %+v, want %+v", got, want)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("test-s2s", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return want, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "test-s2s", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("expected the provider returned by the factory")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory entry: got %+v", gotEntry)
	}
	if names := reg.S2SNames(); len(names) != 1 || names[0] != "test-s2s" {
		t.Errorf("S2SNames: got %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factoryErr := errors.New("bad api key")
	reg.RegisterS2S("bad", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, factoryErr
	})
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "bad"}); !errors.Is(err, factoryErr) {
		t.Errorf("expected factory error, got %v", err)
	}
}
