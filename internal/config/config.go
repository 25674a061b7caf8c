// Package config provides the configuration schema, loader, and file
// watcher for the voicepipe server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voicepipe server.
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

// Duration is a [time.Duration] that unmarshals from YAML strings such as
// "1500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"1500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voicepipe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
//
// Most tuning values default to device-derived values when left zero; the
// config only needs to name what deviates from those defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	STT      STTConfig      `yaml:"stt"`
	VAD      VADConfig      `yaml:"vad"`
	Echo     EchoConfig     `yaml:"echo"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds network and logging settings for the voicepipe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// STTConfig configures both transcription strategies: the streaming
// recognition engine and the chunked server transcription fallback.
type STTConfig struct {
	Engine EngineConfig `yaml:"engine"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// EngineConfig describes the streaming recognition endpoint. When URL is
// empty the streaming strategy is disabled and every call runs in server
// transcription mode.
type EngineConfig struct {
	// URL is the ws:// or wss:// endpoint of the recognition engine.
	URL string `yaml:"url"`

	// Language is the BCP-47 recognition language (e.g., "ru-RU").
	Language string `yaml:"language"`

	// InterimResults requests partial hypotheses alongside finals.
	InterimResults bool `yaml:"interim_results"`
}

// OpenAIConfig configures the server transcription client.
type OpenAIConfig struct {
	// APIKey authenticates against the transcription API. When empty the
	// server falls back to the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the transcription model (e.g., "whisper-1").
	Model string `yaml:"model"`

	// Language is the ISO-639-1 transcription language (e.g., "ru").
	Language string `yaml:"language"`

	// Prompt steers the model toward the expected conversation domain.
	Prompt string `yaml:"prompt"`

	// MaxRetries bounds transient-failure retries per blob. Negative is
	// invalid; zero means the device-derived default.
	MaxRetries int `yaml:"max_retries"`
}

// VADConfig overrides the device-derived voice-activity tuning. Zero fields
// keep the device default.
type VADConfig struct {
	// MinRMSPercent is the send-gate loudness floor in percent of full scale.
	MinRMSPercent float64 `yaml:"min_rms_percent"`

	// MinBytes is the send-gate blob size floor.
	MinBytes int `yaml:"min_bytes"`

	// MinDuration is the send-gate accumulation window floor.
	MinDuration Duration `yaml:"min_duration"`

	// Cooldown is the minimum gap between two accepted sends.
	Cooldown Duration `yaml:"cooldown"`

	// Monitor overrides the interruption-detection tuning.
	Monitor MonitorConfig `yaml:"monitor"`
}

// MonitorConfig overrides the device-derived interruption detection.
type MonitorConfig struct {
	// ThresholdPercent is the frame energy level above which a frame counts
	// toward an interruption.
	ThresholdPercent float64 `yaml:"threshold_percent"`

	// ConsecutiveFrames is how many loud frames in a row raise an
	// interruption.
	ConsecutiveFrames int `yaml:"consecutive_frames"`

	// Debounce is the minimum gap between two raised interruptions.
	Debounce Duration `yaml:"debounce"`
}

// EchoConfig overrides the TTS-echo protection tuning.
type EchoConfig struct {
	// ResumeDelay is the post-playback settle window before recognition
	// restarts. Zero keeps the device default.
	ResumeDelay Duration `yaml:"resume_delay"`
}

// PipelineConfig overrides per-call pipeline timing.
type PipelineConfig struct {
	// FlushInterval is the server-transcription flush cadence. Zero keeps
	// the device default.
	FlushInterval Duration `yaml:"flush_interval"`
}
