package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is set when voice, prompt, rates or transcription differ.
	// Running sessions keep their settings; the next session picks them up.
	LiveChanged bool

	// MediaChanged is set when any media model or the poll interval differ.
	MediaChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// process restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.LiveChanged = old.Live != new.Live
	d.MediaChanged = old.Media != new.Media

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if !sameEntry(old.Providers.Media, new.Providers.Media) {
		d.RestartRequired = append(d.RestartRequired, "providers.media")
	}
	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
