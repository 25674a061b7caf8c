package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTranscriptionModels lists the transcription models known to work
// with the server transcription client. [Validate] warns about anything
// else; unknown names may be typos or newly released models.
var ValidTranscriptionModels = []string{"whisper-1", "gpt-4o-transcribe", "gpt-4o-mini-transcribe"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Streaming engine
	if cfg.STT.Engine.URL != "" {
		u, err := url.Parse(cfg.STT.Engine.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("stt.engine.url %q is not a valid URL: %v", cfg.STT.Engine.URL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("stt.engine.url scheme %q is invalid; must be ws or wss", u.Scheme))
		}
	}

	// Server transcription
	if cfg.STT.OpenAI.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stt.openai.max_retries %d is negative", cfg.STT.OpenAI.MaxRetries))
	}
	if cfg.STT.OpenAI.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Warn("stt.openai.api_key is empty and OPENAI_API_KEY is not set; server transcription will fail")
	}
	validateModelName(cfg.STT.OpenAI.Model)

	// VAD overrides
	if pct := cfg.VAD.MinRMSPercent; pct < 0 || pct > 100 {
		errs = append(errs, fmt.Errorf("vad.min_rms_percent %.2f is out of range [0, 100]", pct))
	}
	if cfg.VAD.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("vad.min_bytes %d is negative", cfg.VAD.MinBytes))
	}
	if cfg.VAD.MinDuration < 0 {
		errs = append(errs, errors.New("vad.min_duration is negative"))
	}
	if cfg.VAD.Cooldown < 0 {
		errs = append(errs, errors.New("vad.cooldown is negative"))
	}
	if pct := cfg.VAD.Monitor.ThresholdPercent; pct < 0 || pct > 100 {
		errs = append(errs, fmt.Errorf("vad.monitor.threshold_percent %.2f is out of range [0, 100]", pct))
	}
	if cfg.VAD.Monitor.ConsecutiveFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.monitor.consecutive_frames %d is negative", cfg.VAD.Monitor.ConsecutiveFrames))
	}
	if cfg.VAD.Monitor.Debounce < 0 {
		errs = append(errs, errors.New("vad.monitor.debounce is negative"))
	}

	// Timing overrides
	if cfg.Echo.ResumeDelay < 0 {
		errs = append(errs, errors.New("echo.resume_delay is negative"))
	}
	if cfg.Pipeline.FlushInterval < 0 {
		errs = append(errs, errors.New("pipeline.flush_interval is negative"))
	}

	return errors.Join(errs...)
}

// validateModelName logs a warning if name is non-empty and not found in
// [ValidTranscriptionModels].
func validateModelName(name string) {
	if name == "" || slices.Contains(ValidTranscriptionModels, name) {
		return
	}
	slog.Warn("unknown transcription model — may be a typo or a newer model",
		"model", name,
		"known", ValidTranscriptionModels,
	)
}
