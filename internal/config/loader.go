package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"media": {"gemini"},
}

// fixedRateProviders lists s2s providers that accept a single input rate.
var fixedRateProviders = map[string]int{
	"openai-realtime": 24000,
}

// LoadDotEnv loads environment variables from the given .env files, or from
// ".env" in the working directory when none are given. Missing files are
// ignored; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("media", cfg.Providers.Media.Name)
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty; live sessions will fail to connect")
	}

	// Live session
	l := cfg.Live
	if l.InputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("live.input_sample_rate %d must be positive", l.InputSampleRate))
	}
	if l.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("live.output_sample_rate %d must be positive", l.OutputSampleRate))
	}
	if l.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("live.frame_size %d must be positive", l.FrameSize))
	}
	if l.FrameQueue < 0 {
		errs = append(errs, fmt.Errorf("live.frame_queue %d must not be negative", l.FrameQueue))
	}

	// Provider ↔ sample rate cross-validation
	if rate, ok := fixedRateProviders[cfg.Providers.S2S.Name]; ok && l.InputSampleRate != rate {
		errs = append(errs, fmt.Errorf("live.input_sample_rate %d is not supported by %s; use %d",
			l.InputSampleRate, cfg.Providers.S2S.Name, rate))
	}

	// Media
	if cfg.Media.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("media.poll_interval %s must not be negative", cfg.Media.PollInterval))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
