// Package pipeline wires one call's transcription pipeline: microphone
// stream, capturer, voice-activity detection, the active STT strategy,
// text post-processing, and TTS-echo coordination.
//
// The [Pipeline] is the only component the call controller talks to. It
// owns mode selection (streaming recognition vs. chunked server
// transcription), runtime fallback between the two, and the single
// teardown path every exit goes through.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/RockInMyHead/voicepipe/internal/echo"
	"github.com/RockInMyHead/voicepipe/internal/observe"
	"github.com/RockInMyHead/voicepipe/internal/textproc"
	"github.com/RockInMyHead/voicepipe/pkg/capture"
	"github.com/RockInMyHead/voicepipe/pkg/device"
	"github.com/RockInMyHead/voicepipe/pkg/stt"
	sttstream "github.com/RockInMyHead/voicepipe/pkg/stt/stream"
	"github.com/RockInMyHead/voicepipe/pkg/vad"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StatePaused        State = "paused"
	StateCleanedUp     State = "cleaned-up"
)

// Mode identifies the active transcription strategy.
type Mode string

const (
	// ModeNone means no mode has been selected yet.
	ModeNone Mode = ""

	// ModeBrowser streams audio through the platform recognition engine.
	ModeBrowser Mode = "browser"

	// ModeOpenAI uploads accumulated chunks to server transcription.
	ModeOpenAI Mode = "openai"
)

// PermissionStatus mirrors the platform's microphone permission state.
type PermissionStatus string

const (
	PermissionUnknown PermissionStatus = "unknown"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionPrompt  PermissionStatus = "prompt"
)

// StreamConstraints describes the microphone stream the pipeline needs.
type StreamConstraints struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// StreamSource grants microphone streams. Production wires the call's
// WebSocket audio ingress here; tests wire a fixture.
type StreamSource interface {
	RequestStream(ctx context.Context, c StreamConstraints) (capture.Stream, error)
}

// PermissionQuerier reports the microphone permission state. Querying is
// best effort: the authoritative signal is whether the stream request
// succeeds.
type PermissionQuerier interface {
	QueryMicrophone(ctx context.Context) (PermissionStatus, error)
}

// Transcriber resolves an audio blob to text. Implemented by
// [github.com/RockInMyHead/voicepipe/pkg/stt/openai.Transcriber].
type Transcriber interface {
	Transcribe(ctx context.Context, blob *capture.Blob) (string, error)
}

// Callbacks deliver pipeline output to the call controller. All fields
// are optional; nil callbacks are skipped. Callbacks are never invoked
// after Cleanup returns the pipeline to its caller.
type Callbacks struct {
	// OnTranscription receives each forwarded transcription.
	OnTranscription func(text string, source stt.Source)

	// OnInterruption fires when the user speaks over TTS playback.
	OnInterruption func()

	// OnError receives failures that the pipeline could not absorb.
	OnError func(err error)
}

// Config assembles a [Pipeline].
type Config struct {
	// Profile is the caller's device profile. Drives mode selection and
	// every device-dependent threshold.
	Profile device.Profile

	// Source grants the microphone stream. Required.
	Source StreamSource

	// Permissions is the optional permission introspection hook.
	Permissions PermissionQuerier

	// Engine is the streaming recognition engine. When nil the pipeline
	// always runs in server-transcription mode.
	Engine sttstream.Engine

	// Transcriber is the server transcription client. Required: it is
	// both a primary mode and the fallback for the streaming mode.
	Transcriber Transcriber

	// Callbacks deliver output to the call controller.
	Callbacks Callbacks

	// Logger is the debug log sink. Defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// FlushInterval overrides the server-transcription flush cadence.
	FlushInterval time.Duration

	// Thresholds overrides the device-derived send-gate thresholds.
	Thresholds *vad.Thresholds

	// MonitorConfig overrides the device-derived interruption tuning.
	MonitorConfig *vad.MonitorConfig

	// ResumeDelay overrides the device-derived post-TTS settle window.
	ResumeDelay time.Duration
}

// flushIntervalFor returns the default flush cadence. iOS accumulates
// longer windows to match its larger chunk interval and VAD floors.
func flushIntervalFor(p device.Profile) time.Duration {
	if p.IsIOS {
		return 3 * time.Second
	}
	return 2 * time.Second
}

// Pipeline is the per-call transcription orchestrator. All exported
// methods are safe for concurrent use.
type Pipeline struct {
	profile       device.Profile
	source        StreamSource
	perms         PermissionQuerier
	engine        sttstream.Engine
	transcriber   Transcriber
	callbacks     Callbacks
	logger        *slog.Logger
	metrics       *observe.Metrics
	flushInterval time.Duration

	capturer *capture.Capturer
	gate     *vad.Gate
	monitor  *vad.Monitor
	proc     *textproc.Processor
	guard    *echo.Guard
	stats    *Stats

	mu          sync.Mutex
	state       State
	mode        Mode
	micStream   capture.Stream
	strategy    stt.Strategy
	micGranted  bool
	permStatus  PermissionStatus
	ctx         context.Context
	cancel      context.CancelFunc
	flushDone   chan struct{}
	resumeTimer *time.Timer
	wg          sync.WaitGroup
}

// New creates a Pipeline in the uninitialized state.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: stream source is required")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("pipeline: transcriber is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	thresholds := vad.ThresholdsFor(cfg.Profile)
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}
	monCfg := vad.MonitorConfigFor(cfg.Profile)
	if cfg.MonitorConfig != nil {
		monCfg = *cfg.MonitorConfig
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = flushIntervalFor(cfg.Profile)
	}

	guardOpts := []echo.Option{}
	if cfg.ResumeDelay > 0 {
		guardOpts = append(guardOpts, echo.WithResumeDelay(cfg.ResumeDelay))
	}

	p := &Pipeline{
		profile:       cfg.Profile,
		source:        cfg.Source,
		perms:         cfg.Permissions,
		engine:        cfg.Engine,
		transcriber:   cfg.Transcriber,
		callbacks:     cfg.Callbacks,
		logger:        logger,
		metrics:       metrics,
		flushInterval: flushInterval,

		capturer: capture.New(cfg.Profile, capture.WithLogger(logger)),
		gate:     vad.NewGate(thresholds, vad.WithGateLogger(logger)),
		proc:     textproc.NewProcessor(textproc.WithLogger(logger)),
		guard:    echo.NewGuard(cfg.Profile, guardOpts...),
		stats:    NewStats(0),

		state:      StateUninitialized,
		permStatus: PermissionUnknown,
	}
	p.monitor = vad.NewMonitor(monCfg, p.handleInterruption, vad.WithMonitorLogger(logger))
	return p, nil
}

// Initialize acquires the microphone stream, starts capture and the
// interruption monitor, selects the transcription mode, and moves the
// pipeline to the active state. ctx governs the pipeline's lifetime.
//
// A failed stream request leaves no partial artifacts: the pipeline
// returns to the uninitialized state and may be initialized again.
func (p *Pipeline) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateUninitialized {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline: cannot initialize from state %q", state)
	}
	p.state = StateInitializing
	p.mu.Unlock()

	// Best effort: the authoritative grant signal is the stream request.
	if p.perms != nil {
		if status, err := p.perms.QueryMicrophone(ctx); err == nil {
			p.mu.Lock()
			p.permStatus = status
			p.mu.Unlock()
		}
	}

	p.proc.Reset()
	p.guard.Reset()
	p.gate.Reset()

	micStream, err := p.source.RequestStream(ctx, StreamConstraints{
		SampleRate:       p.profile.PreferredSampleRate(),
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		p.mu.Lock()
		p.state = StateUninitialized
		p.permStatus = PermissionDenied
		p.mu.Unlock()
		return fmt.Errorf("pipeline: request stream: %w", err)
	}

	if err := p.capturer.StartRecording(micStream); err != nil {
		p.capturer.Cleanup()
		p.mu.Lock()
		p.state = StateUninitialized
		p.mu.Unlock()
		return fmt.Errorf("pipeline: %w", err)
	}
	p.monitor.Start(micStream.EnergyTap())

	mode := ModeBrowser
	if p.engine == nil || !p.profile.HasSpeechRecognitionSupport || p.profile.IsAndroid {
		mode = ModeOpenAI
	}

	p.mu.Lock()
	p.micStream = micStream
	p.micGranted = true
	p.permStatus = PermissionGranted
	p.mode = mode
	p.ctx, p.cancel = context.WithCancel(ctx)

	switch mode {
	case ModeBrowser:
		p.strategy = sttstream.New(p.engine, p.handleBrowserTranscript, p.handleStrategyError,
			sttstream.WithLogger(p.logger))
		if err := p.strategy.Start(p.ctx); err != nil {
			p.mu.Unlock()
			p.Cleanup()
			return fmt.Errorf("pipeline: start streaming recognition: %w", err)
		}
	case ModeOpenAI:
		p.startFlushLoopLocked()
	}
	p.state = StateActive
	p.mu.Unlock()

	p.metrics.ActiveCalls.Add(p.ctx, 1)
	p.logger.Info("pipeline: initialized",
		"mode", string(mode),
		"platform", p.profile.Platform,
		"sample_rate", p.profile.PreferredSampleRate())
	return nil
}

// startFlushLoopLocked launches the server-transcription flush ticker.
// Caller holds p.mu.
func (p *Pipeline) startFlushLoopLocked() {
	done := make(chan struct{})
	p.flushDone = done
	p.wg.Add(1)
	go p.flushLoop(p.ctx, done)
}

// flushLoop drives the accumulate-flush-transcribe cycle. Each tick
// flushes synchronously, so a slow transcription delays the next flush
// instead of overlapping it.
func (p *Pipeline) flushLoop(ctx context.Context, done chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushOnce(ctx)
		}
	}
}

// flushOnce closes the current accumulation window, restarts recording,
// and sends the window through the gate and the transcriber.
func (p *Pipeline) flushOnce(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateActive || p.mode != ModeOpenAI {
		p.mu.Unlock()
		return
	}
	micStream := p.micStream
	p.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "pipeline.flush")
	defer span.End()

	blob, err := p.capturer.StopRecording()
	if err != nil {
		p.logger.Warn("pipeline: flush stop recording", "err", err)
	}
	if micStream != nil {
		if err := p.capturer.StartRecording(micStream); err != nil {
			p.reportError(fmt.Errorf("pipeline: restart recording: %w", err))
		}
	}
	if blob == nil {
		return
	}
	span.SetAttributes(attribute.Int("flush.bytes", blob.Size()))

	accepted := p.gate.ShouldSend(blob, blob.Duration)
	p.stats.IncrFlush(accepted)
	p.metrics.RecordVADDecision(ctx, accepted)
	span.SetAttributes(attribute.Bool("flush.accepted", accepted))
	if !accepted {
		return
	}
	p.metrics.FlushBytes.Record(ctx, int64(blob.Size()))

	start := time.Now()
	text, err := p.transcriber.Transcribe(ctx, blob)
	latency := time.Since(start)
	p.stats.RecordSTT(latency)
	p.metrics.TranscriptionDuration.Record(ctx, latency.Seconds(),
		metric.WithAttributes(attribute.String("source", string(stt.SourceOpenAI))))
	if err != nil {
		p.reportError(fmt.Errorf("pipeline: transcribe: %w", err))
		return
	}
	p.deliver(text, stt.SourceOpenAI)
}

// handleBrowserTranscript receives finals from the streaming strategy.
func (p *Pipeline) handleBrowserTranscript(tr stt.Transcript) {
	if !tr.IsFinal {
		return
	}
	p.deliver(tr.Text, tr.Source)
}

// handleStrategyError reacts to streaming strategy failures. Exhaustion
// of the engine's retry budget switches the call to server transcription
// mid-flight; capture and monitoring keep running untouched.
func (p *Pipeline) handleStrategyError(err error) {
	if !errors.Is(err, stt.ErrStrategyFailed) {
		p.reportError(err)
		return
	}

	p.mu.Lock()
	if p.state == StateCleanedUp || p.mode != ModeBrowser {
		p.mu.Unlock()
		return
	}
	p.mode = ModeOpenAI
	p.strategy = nil
	// The accumulator has been filling since the call started; only audio
	// recorded from the switch onward belongs to the first flush window.
	p.capturer.Discard()
	p.startFlushLoopLocked()
	ctx := p.ctx
	p.mu.Unlock()

	p.metrics.StrategyFallbacks.Add(ctx, 1)
	p.logger.Warn("pipeline: streaming recognition failed, switched to server transcription", "err", err)
}

// deliver pushes one transcription through echo suppression and the text
// processor to the controller callback.
func (p *Pipeline) deliver(text string, source stt.Source) {
	if text == "" {
		return
	}
	if p.guard.ShouldSuppressSTT() {
		p.logger.Debug("pipeline: transcription suppressed during playback", "text", text)
		return
	}

	normalized, verdict := p.proc.Normalize(text)
	if verdict != textproc.Accepted {
		p.metrics.RecordDroppedTranscript(context.Background(), verdict.String())
		return
	}

	p.mu.Lock()
	if p.state == StateCleanedUp {
		p.mu.Unlock()
		return
	}
	cb := p.callbacks.OnTranscription
	ctx := p.ctx
	p.mu.Unlock()

	p.stats.IncrTranscripts()
	p.metrics.RecordTranscript(ctx, string(source))
	if cb != nil {
		cb(normalized, source)
	}
}

// handleInterruption receives sustained-energy events from the monitor.
// Only speech over active TTS playback counts as a barge-in.
func (p *Pipeline) handleInterruption() {
	if !p.guard.TTSActive() {
		return
	}

	p.mu.Lock()
	if p.state == StateCleanedUp {
		p.mu.Unlock()
		return
	}
	cb := p.callbacks.OnInterruption
	ctx := p.ctx
	p.mu.Unlock()

	p.stats.IncrInterruptions()
	p.metrics.Interruptions.Add(ctx, 1)
	if cb != nil {
		cb()
	}
}

// reportError counts and forwards a failure the pipeline could not
// absorb. Silently dropped after cleanup.
func (p *Pipeline) reportError(err error) {
	p.stats.IncrErrors()

	p.mu.Lock()
	if p.state == StateCleanedUp {
		p.mu.Unlock()
		return
	}
	cb := p.callbacks.OnError
	p.mu.Unlock()

	p.logger.Warn("pipeline: error", "err", err)
	if cb != nil {
		cb(err)
	}
}

// PauseForTTS suspends recognition while the assistant speaks. A no-op
// unless the pipeline is active.
func (p *Pipeline) PauseForTTS() {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	p.state = StatePaused
	mode := p.mode
	strategy := p.strategy
	if p.resumeTimer != nil {
		p.resumeTimer.Stop()
		p.resumeTimer = nil
	}
	p.mu.Unlock()

	p.guard.SetTTSActive(true)
	// Capture pauses in every mode: chunks recorded during playback are
	// the assistant's own voice and must never reach a flush, even after
	// a mid-call fallback to server transcription.
	p.capturer.PauseRecording()
	if mode == ModeBrowser && strategy != nil {
		strategy.Pause()
	}
	p.logger.Debug("pipeline: paused for playback", "mode", string(mode))
}

// ResumeAfterTTS re-arms recognition after playback ends. The actual
// restart is deferred by the device's settle window so the tail of the
// playback never reaches the recognizer. A no-op unless paused.
func (p *Pipeline) ResumeAfterTTS() {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StateActive
	mode := p.mode
	strategy := p.strategy
	p.mu.Unlock()

	p.guard.SetTTSActive(false)
	delay := p.guard.ResumeDelay()

	timer := time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.state != StateActive {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.capturer.ResumeRecording()
		if mode == ModeBrowser && strategy != nil {
			strategy.Resume()
		}
		p.logger.Debug("pipeline: recognition resumed after playback")
	})

	p.mu.Lock()
	p.resumeTimer = timer
	p.mu.Unlock()
}

// Cleanup tears the pipeline down: flush loop, strategy, monitor,
// capturer and stream tracks, in that order. Idempotent; every exit path
// of a call ends here. Callbacks arriving after Cleanup are ignored.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	if p.state == StateCleanedUp {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = StateCleanedUp
	strategy := p.strategy
	p.strategy = nil
	cancel := p.cancel
	p.cancel = nil
	flushDone := p.flushDone
	p.flushDone = nil
	timer := p.resumeTimer
	p.resumeTimer = nil
	p.micStream = nil
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if flushDone != nil {
		close(flushDone)
	}
	p.wg.Wait()

	if strategy != nil {
		strategy.Stop()
	}
	p.monitor.Stop()
	p.capturer.Cleanup()

	if prev == StateActive || prev == StatePaused {
		p.metrics.ActiveCalls.Add(context.Background(), -1)
	}
	p.logger.Info("pipeline: cleaned up")
}

// Status is a read-only view of the pipeline for the call controller.
type Status struct {
	State             State
	Mode              Mode
	MicrophoneGranted bool
	Permission        PermissionStatus
}

// Status returns the pipeline's current lifecycle view.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:             p.state,
		Mode:              p.mode,
		MicrophoneGranted: p.micGranted,
		Permission:        p.permStatus,
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the active transcription mode.
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Stats returns a snapshot of the pipeline's counters and latency
// percentiles.
func (p *Pipeline) Stats() Snapshot {
	return p.stats.Snapshot()
}
