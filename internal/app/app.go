// Package app wires the voicepipe subsystems into a running server.
//
// The App owns the HTTP surface (WebSocket call ingress, health, metrics),
// the call registry, and the shared transcription clients. Each accepted
// call gets its own [pipeline.Pipeline]; the App tears all of them down on
// shutdown.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/RockInMyHead/voicepipe/internal/config"
	"github.com/RockInMyHead/voicepipe/internal/health"
	"github.com/RockInMyHead/voicepipe/internal/observe"
	"github.com/RockInMyHead/voicepipe/internal/pipeline"
	"github.com/RockInMyHead/voicepipe/pkg/capture"
	"github.com/RockInMyHead/voicepipe/pkg/device"
	sttopenai "github.com/RockInMyHead/voicepipe/pkg/stt/openai"
	sttstream "github.com/RockInMyHead/voicepipe/pkg/stt/stream"
	"github.com/RockInMyHead/voicepipe/pkg/vad"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App is the voicepipe server.
type App struct {
	// cfg holds the live configuration. Hot-reloadable sections are
	// swapped through [App.ApplyConfig] and picked up by new calls.
	cfg atomic.Pointer[config.Config]

	logger  *slog.Logger
	metrics *observe.Metrics
	calls   *CallManager

	// engine is the shared streaming recognition dialer, nil when no
	// engine endpoint is configured.
	engine sttstream.Engine

	// transcriber, when injected, overrides per-call construction.
	transcriber pipeline.Transcriber

	apiKey string
}

// Option is a functional option for [New]. Use these to inject test
// doubles.
type Option func(*App)

// WithLogger sets the server logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTranscriber injects a transcription client used for every call
// instead of building one from the config.
func WithTranscriber(t pipeline.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithEngine injects a streaming recognition engine instead of dialing the
// configured endpoint.
func WithEngine(e sttstream.Engine) Option {
	return func(a *App) { a.engine = e }
}

// New creates an App from the given config.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.calls = NewCallManager(a.logger)

	if a.engine == nil && cfg.STT.Engine.URL != "" {
		var engineOpts []sttstream.WSOption
		if cfg.STT.Engine.Language != "" {
			engineOpts = append(engineOpts, sttstream.WithLanguage(cfg.STT.Engine.Language))
		}
		engineOpts = append(engineOpts, sttstream.WithInterimResults(cfg.STT.Engine.InterimResults))

		engine, err := sttstream.NewWSEngine(cfg.STT.Engine.URL, engineOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: configure recognition engine: %w", err)
		}
		a.engine = engine
	}

	if a.transcriber == nil {
		a.apiKey = cfg.STT.OpenAI.APIKey
		if a.apiKey == "" {
			a.apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if a.apiKey == "" {
			return nil, errors.New("app: transcription API key is required (stt.openai.api_key or OPENAI_API_KEY)")
		}
	}

	return a, nil
}

// Calls returns the call registry.
func (a *App) Calls() *CallManager { return a.calls }

// ApplyConfig swaps in the hot-reloadable sections of cfg. New calls pick
// up the changes; active calls keep the settings they started with.
// Sections that need a restart (server, stt) keep their running values.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if !d.VADChanged && !d.EchoChanged && !d.PipelineChanged {
		return
	}
	cur := *a.cfg.Load()
	cur.VAD = cfg.VAD
	cur.Echo = cfg.Echo
	cur.Pipeline = cfg.Pipeline
	a.cfg.Store(&cur)
	a.logger.Info("configuration changes applied",
		"vad", d.VADChanged, "echo", d.EchoChanged, "pipeline", d.PipelineChanged)
}

// transcriberFor returns the transcription client for one call. The retry
// budget is device-dependent unless pinned in the config, so clients are
// built per call; construction is a cheap option assembly.
func (a *App) transcriberFor(p device.Profile) pipeline.Transcriber {
	if a.transcriber != nil {
		return a.transcriber
	}

	oc := a.cfg.Load().STT.OpenAI
	retries := oc.MaxRetries
	if retries <= 0 {
		retries = sttopenai.RetriesFor(p)
	}

	opts := []sttopenai.Option{
		sttopenai.WithMaxRetries(retries),
		sttopenai.WithLogger(a.logger),
	}
	if oc.BaseURL != "" {
		opts = append(opts, sttopenai.WithBaseURL(oc.BaseURL))
	}
	if oc.Model != "" {
		opts = append(opts, sttopenai.WithModel(oc.Model))
	}
	if oc.Language != "" {
		opts = append(opts, sttopenai.WithLanguage(oc.Language))
	}
	if oc.Prompt != "" {
		opts = append(opts, sttopenai.WithPrompt(oc.Prompt))
	}

	tr, err := sttopenai.New(a.apiKey, opts...)
	if err != nil {
		// Unreachable: the key was validated in New. Fail the call's
		// transcriptions rather than the server.
		a.logger.Error("transcriber construction failed", "err", err)
		return failingTranscriber{err: err}
	}
	return tr
}

// gateThresholds merges config overrides onto the device defaults.
func (a *App) gateThresholds(p device.Profile) *vad.Thresholds {
	thr := vad.ThresholdsFor(p)
	vc := a.cfg.Load().VAD
	if vc.MinRMSPercent > 0 {
		thr.MinRMSPercent = vc.MinRMSPercent
	}
	if vc.MinBytes > 0 {
		thr.MinBytes = vc.MinBytes
	}
	if vc.MinDuration > 0 {
		thr.MinDuration = vc.MinDuration.Std()
	}
	if vc.Cooldown > 0 {
		thr.Cooldown = vc.Cooldown.Std()
	}
	return &thr
}

// monitorConfig merges config overrides onto the device defaults.
func (a *App) monitorConfig(p device.Profile) *vad.MonitorConfig {
	mc := vad.MonitorConfigFor(p)
	ov := a.cfg.Load().VAD.Monitor
	if ov.ThresholdPercent > 0 {
		mc.ThresholdPercent = ov.ThresholdPercent
	}
	if ov.ConsecutiveFrames > 0 {
		mc.ConsecutiveFrames = ov.ConsecutiveFrames
	}
	if ov.Debounce > 0 {
		mc.Debounce = ov.Debounce.Std()
	}
	return &mc
}

// Handler returns the server's HTTP routes. The call socket bypasses the
// observability middleware: a span per multi-minute call is noise.
func (a *App) Handler() http.Handler {
	hh := health.New(a.calls.Count, health.Checker{
		Name: "transcription",
		Check: func(context.Context) error {
			if a.transcriber == nil && a.apiKey == "" {
				return errors.New("no transcription credentials")
			}
			return nil
		},
	})

	api := http.NewServeMux()
	hh.Register(api)
	api.HandleFunc("GET /calls", a.handleCalls)
	api.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("/ws/call", a.handleCall)
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

func (a *App) handleCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": a.calls.Infos(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully and
// ends every active call.
func (a *App) Run(ctx context.Context) error {
	sc := a.cfg.Load().Server
	addr := sc.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server listening", "addr", addr, "tls", sc.TLS != nil)
		var err error
		if tls := sc.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			a.logger.Warn("http shutdown", "err", err)
		}
		a.calls.EndAll()
		return nil
	})

	return g.Wait()
}

// failingTranscriber resolves every blob to empty text, matching the
// transcription strategy's never-throw contract.
type failingTranscriber struct{ err error }

func (t failingTranscriber) Transcribe(context.Context, *capture.Blob) (string, error) {
	return "", nil
}
