package config

// ConfigDiff describes what changed between two configs and whether the
// change can be applied without a server restart. Tuning overrides (VAD,
// echo, pipeline timing) take effect for calls started after the reload;
// running calls keep the values they were built with.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged marks a change to the send-gate or interruption tuning.
	VADChanged bool

	// EchoChanged marks a change to the post-playback settle window.
	EchoChanged bool

	// PipelineChanged marks a change to the flush cadence.
	PipelineChanged bool

	// RestartRequired marks changes that cannot be hot-applied: the listen
	// address, TLS material, or either transcription endpoint.
	RestartRequired bool
}

// Any reports whether the diff records any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.EchoChanged || d.PipelineChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}
	if old.Echo != new.Echo {
		d.EchoChanged = true
	}
	if old.Pipeline != new.Pipeline {
		d.PipelineChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		old.STT != new.STT {
		d.RestartRequired = true
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
