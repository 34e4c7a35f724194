// Package config provides the configuration schema, loader, and provider registry
// for the nexusvoice conversation service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/nexusvoice/pkg/audio"
	"github.com/MrWong99/nexusvoice/pkg/provider/s2s"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching [slog.Level]. Unknown or empty values map to
// [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Live      LiveConfig      `yaml:"live"`
	Media     MediaConfig     `yaml:"media"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics endpoint
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the backends. Each entry names a provider
// registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the streaming speech-to-speech backend for live conversations.
	S2S ProviderEntry `yaml:"s2s"`

	// Media is the single-shot generation backend.
	Media ProviderEntry `yaml:"media"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LiveConfig configures a live conversation session.
type LiveConfig struct {
	// InputSampleRate of capture frames in Hz. Default 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate of inbound speech in Hz. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per capture frame. Default 4096.
	FrameSize int `yaml:"frame_size"`

	// Voice is the backend-specific voice name (e.g., "Puck").
	Voice string `yaml:"voice"`

	// SystemPrompt is the instruction given to the backend.
	SystemPrompt string `yaml:"system_prompt"`

	// Transcription enables live captions of the model's speech.
	Transcription bool `yaml:"transcription"`

	// FrameQueue is how many capture frames may wait for the transport.
	// Default 16.
	FrameQueue int `yaml:"frame_queue"`
}

// SessionConfig converts l into the transport's session configuration.
func (l LiveConfig) SessionConfig() s2s.Config {
	return s2s.Config{
		InputSampleRate:  l.InputSampleRate,
		OutputSampleRate: l.OutputSampleRate,
		Voice:            l.Voice,
		ResponseModality: s2s.ModalityAudio,
		SystemPrompt:     l.SystemPrompt,
		Transcription:    l.Transcription,
	}
}

// MediaConfig configures single-shot media generation.
type MediaConfig struct {
	TextModel        string `yaml:"text_model"`
	ImageModel       string `yaml:"image_model"`
	TTSModel         string `yaml:"tts_model"`
	TTSVoice         string `yaml:"tts_voice"`
	VideoModel       string `yaml:"video_model"`
	VideoExtendModel string `yaml:"video_extend_model"`
	SystemPrompt     string `yaml:"system_prompt"`

	// PollInterval between video operation status checks. Default 10s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":8080"
	DefaultS2SProvider = "gemini-live"
	DefaultVoice       = "Puck"
	DefaultFrameQueue  = 16
	DefaultPoll        = 10 * time.Second
)

// ApplyDefaults fills zero values with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2SProvider
	}
	l := &cfg.Live
	if l.InputSampleRate == 0 {
		l.InputSampleRate = audio.CaptureSampleRate
	}
	if l.OutputSampleRate == 0 {
		l.OutputSampleRate = audio.PlaybackSampleRate
	}
	if l.FrameSize == 0 {
		l.FrameSize = audio.DefaultFrameSize
	}
	if l.Voice == "" {
		l.Voice = DefaultVoice
	}
	if l.FrameQueue == 0 {
		l.FrameQueue = DefaultFrameQueue
	}
	if cfg.Media.PollInterval == 0 {
		cfg.Media.PollInterval = DefaultPoll
	}
}
