// Package openai provides the server transcription strategy: captured
// audio blobs are uploaded to an OpenAI-compatible transcription endpoint
// and resolved to plain text.
//
// Failures never surface to the caller as errors. Retriable failures
// (rate limits, upstream 5xx, connection trouble) are retried within a
// small per-device budget; anything past that resolves to an empty
// string, which the pipeline treats as "nothing was said". A circuit
// breaker guards the upload path so a dead endpoint stops costing a full
// retry budget per flush.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/RockInMyHead/voicepipe/internal/resilience"
	"github.com/RockInMyHead/voicepipe/pkg/capture"
	"github.com/RockInMyHead/voicepipe/pkg/device"
)

const (
	defaultModel      = "whisper-1"
	defaultLanguage   = "ru"
	defaultRetryDelay = time.Second
)

// defaultPrompt primes the model toward conversational Russian so short
// utterances are not mistranscribed as English or punctuation noise.
const defaultPrompt = "Разговор с психологом на русском языке."

// retriableStatus is the set of HTTP statuses worth a second attempt.
var retriableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
}

// retriableKeywords marks transport-level failures that carry no HTTP
// status.
var retriableKeywords = []string{
	"connection",
	"network",
	"timeout",
	"temporarily",
}

// RetriesFor returns the transcription retry budget for a device. iOS
// produces fewer, larger uploads, so it gets one extra attempt.
func RetriesFor(p device.Profile) int {
	if p.IsIOS {
		return 2
	}
	return 1
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL    string
	model      string
	language   string
	prompt     string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// Option is a functional option for [Transcriber].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets the ISO-639-1 transcription language. Defaults to
// "ru".
func WithLanguage(language string) Option {
	return func(c *config) {
		c.language = language
	}
}

// WithPrompt overrides the priming prompt.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithMaxRetries sets the retry budget for retriable failures. Defaults
// to [RetriesFor] of a non-iOS device.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) {
		c.retryDelay = d
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLogger sets the debug logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Transcriber uploads audio blobs to the transcription endpoint. It owns
// its own retry budget, so SDK-level retries are disabled.
type Transcriber struct {
	client     oai.Client
	model      string
	language   string
	prompt     string
	maxRetries int
	retryDelay time.Duration
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

// New constructs a Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:      defaultModel,
		language:   defaultLanguage,
		prompt:     defaultPrompt,
		maxRetries: RetriesFor(device.Profile{}),
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transcriber{
		client:     oai.NewClient(reqOpts...),
		model:      cfg.model,
		language:   cfg.language,
		prompt:     cfg.prompt,
		maxRetries: cfg.maxRetries,
		retryDelay: cfg.retryDelay,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "transcription",
			Logger: cfg.logger,
		}),
		logger: cfg.logger,
	}, nil
}

// Transcribe resolves a captured blob to text. An empty or nil blob
// resolves to "" immediately. Transcription failures also resolve to ""
// after the retry budget; the only error returned is caller
// cancellation.
func (t *Transcriber) Transcribe(ctx context.Context, blob *capture.Blob) (string, error) {
	if blob == nil || len(blob.Data) == 0 {
		return "", nil
	}

	for attempt := 0; ; attempt++ {
		var text string
		err := t.breaker.Execute(func() error {
			var err error
			text, err = t.transcribeOnce(ctx, blob)
			return err
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			t.logger.Debug("openai: transcription skipped, circuit open")
			return "", nil
		}
		if err == nil {
			return strings.TrimSpace(text), nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("openai: transcribe: %w", ctx.Err())
		}
		if attempt >= t.maxRetries || !isRetriable(err) {
			t.logger.Debug("openai: transcription failed", "attempt", attempt+1, "err", err)
			return "", nil
		}

		t.logger.Debug("openai: retrying transcription", "attempt", attempt+1, "err", err)
		select {
		case <-time.After(t.retryDelay):
		case <-ctx.Done():
			return "", fmt.Errorf("openai: transcribe: %w", ctx.Err())
		}
	}
}

// transcribeOnce performs one upload attempt.
func (t *Transcriber) transcribeOnce(ctx context.Context, blob *capture.Blob) (string, error) {
	filename, contentType := filenameForMIME(blob.MIME)

	params := oai.AudioTranscriptionNewParams{
		Model:    oai.AudioModel(t.model),
		File:     oai.File(bytes.NewReader(blob.Data), filename, contentType),
		Language: oai.String(t.language),
	}
	if t.prompt != "" {
		params.Prompt = oai.String(t.prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcription request: %w", err)
	}
	return resp.Text, nil
}

// isRetriable reports whether a failed attempt is worth repeating.
func isRetriable(err error) bool {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return retriableStatus[apierr.StatusCode]
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retriableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// filenameForMIME derives the upload filename and bare content type from
// a negotiated MIME string like "audio/webm;codecs=opus". The endpoint
// keys the container format off the extension.
func filenameForMIME(mime string) (filename, contentType string) {
	base, _, _ := strings.Cut(mime, ";")
	base = strings.TrimSpace(base)

	ext := "webm"
	switch base {
	case "audio/ogg":
		ext = "ogg"
	case "audio/wav", "audio/x-wav":
		ext = "wav"
	case "audio/mp4":
		ext = "mp4"
	case "audio/mpeg":
		ext = "mp3"
	case "", "audio/webm":
		base = "audio/webm"
	}
	return "audio." + ext, base
}
