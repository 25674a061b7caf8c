package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
	capmock "github.com/RockInMyHead/voicepipe/pkg/capture/mock"
	"github.com/RockInMyHead/voicepipe/pkg/device"
	"github.com/RockInMyHead/voicepipe/pkg/stt"
	sttstream "github.com/RockInMyHead/voicepipe/pkg/stt/stream"
	"github.com/RockInMyHead/voicepipe/pkg/vad"
)

// ---- fixtures ----

type fakeSource struct {
	mu       sync.Mutex
	stream   *capmock.Stream
	errs     []error // consumed per request before succeeding
	requests int
	lastCons StreamConstraints
}

func (s *fakeSource) RequestStream(_ context.Context, c StreamConstraints) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.lastCons = c
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.stream, nil
}

type fakeTranscriber struct {
	calls atomic.Int32
}

func (t *fakeTranscriber) Transcribe(_ context.Context, blob *capture.Blob) (string, error) {
	n := t.calls.Add(1)
	return fmt.Sprintf("реплика %d", n), nil
}

// blobTranscriber keeps every blob it is asked to resolve.
type blobTranscriber struct {
	mu    sync.Mutex
	blobs []*capture.Blob
}

func (t *blobTranscriber) Transcribe(_ context.Context, blob *capture.Blob) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blobs = append(t.blobs, blob)
	return fmt.Sprintf("реплика %d", len(t.blobs)), nil
}

func (t *blobTranscriber) snapshot() []*capture.Blob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*capture.Blob(nil), t.blobs...)
}

// fakeEngineSession scripts streaming recognition for browser-mode tests.
type fakeEngineSession struct {
	events chan sttstream.Event
	once   sync.Once
}

func (s *fakeEngineSession) Events() <-chan sttstream.Event { return s.events }

func (s *fakeEngineSession) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	scripted []*fakeEngineSession
	opens    int
}

func (e *fakeEngine) Open(context.Context) (sttstream.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if len(e.scripted) > 0 {
		s := e.scripted[0]
		e.scripted = e.scripted[1:]
		return s, nil
	}
	return &fakeEngineSession{events: make(chan sttstream.Event, 8)}, nil
}

func engineSession(events ...sttstream.Event) *fakeEngineSession {
	s := &fakeEngineSession{events: make(chan sttstream.Event, len(events)+1)}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

// collector gathers pipeline callbacks.
type collector struct {
	mu            sync.Mutex
	texts         []string
	sources       []stt.Source
	interruptions int
	errs          []error
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnTranscription: func(text string, source stt.Source) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.texts = append(c.texts, text)
			c.sources = append(c.sources, source)
		},
		OnInterruption: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.interruptions++
		},
		OnError: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errs = append(c.errs, err)
		},
	}
}

func (c *collector) transcripts() ([]string, []stt.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...), append([]stt.Source(nil), c.sources...)
}

func (c *collector) interruptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptions
}

// openThresholds disables every gate floor so any non-empty blob passes.
var openThresholds = vad.Thresholds{MinBytes: 1}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// newTestPipeline builds a pipeline over mocks with fast timing.
func newTestPipeline(t *testing.T, profile device.Profile, engine sttstream.Engine) (*Pipeline, *fakeSource, *fakeTranscriber, *collector) {
	t.Helper()

	source := &fakeSource{stream: capmock.NewStream()}
	tr := &fakeTranscriber{}
	col := &collector{}

	p, err := New(Config{
		Profile:       profile,
		Source:        source,
		Engine:        engine,
		Transcriber:   tr,
		Callbacks:     col.callbacks(),
		FlushInterval: 25 * time.Millisecond,
		Thresholds:    &openThresholds,
		MonitorConfig: &vad.MonitorConfig{ThresholdPercent: 1, ConsecutiveFrames: 1},
		ResumeDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Cleanup)
	return p, source, tr, col
}

// feedChunks keeps the active recorder supplied with audio until the
// test ends.
func feedChunks(t *testing.T, stream *capmock.Stream) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				if rec := stream.LastRecorder(); rec != nil {
					rec.Emit([]byte("chunkchunkchunk"))
				}
			}
		}
	}()
}

// ---- tests ----

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Transcriber: &fakeTranscriber{}}); err == nil {
		t.Error("want error without stream source")
	}
	if _, err := New(Config{Source: &fakeSource{}}); err == nil {
		t.Error("want error without transcriber")
	}
}

func TestModeSelection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		profile device.Profile
		engine  sttstream.Engine
		want    Mode
	}{
		{
			name:    "ios with recognition support",
			profile: device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true},
			engine:  &fakeEngine{},
			want:    ModeBrowser,
		},
		{
			name:    "android forced to server transcription",
			profile: device.Profile{IsAndroid: true, HasSpeechRecognitionSupport: true},
			engine:  &fakeEngine{},
			want:    ModeOpenAI,
		},
		{
			name:    "no recognition support",
			profile: device.Profile{},
			engine:  &fakeEngine{},
			want:    ModeOpenAI,
		},
		{
			name:    "no engine configured",
			profile: device.Profile{HasSpeechRecognitionSupport: true},
			engine:  nil,
			want:    ModeOpenAI,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, _, _, _ := newTestPipeline(t, tc.profile, tc.engine)
			if err := p.Initialize(context.Background()); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if got := p.Mode(); got != tc.want {
				t.Errorf("mode = %q, want %q", got, tc.want)
			}
			if got := p.State(); got != StateActive {
				t.Errorf("state = %q, want active", got)
			}
		})
	}
}

func TestInitializeRequestsEchoCancellation(t *testing.T) {
	t.Parallel()

	p, source, _, _ := newTestPipeline(t, device.Profile{IsIOS: true}, nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	source.mu.Lock()
	cons := source.lastCons
	source.mu.Unlock()
	if !cons.EchoCancellation || !cons.NoiseSuppression || !cons.AutoGainControl {
		t.Errorf("constraints = %+v, want all processing enabled", cons)
	}
	if cons.SampleRate != 44100 {
		t.Errorf("sample rate = %d, want 44100 for iOS", cons.SampleRate)
	}
}

func TestInitializeFailureLeavesNoArtifacts(t *testing.T) {
	t.Parallel()

	source := &fakeSource{stream: capmock.NewStream(), errs: []error{errors.New("permission denied")}}
	p, err := New(Config{
		Profile:     device.Profile{},
		Source:      source,
		Transcriber: &fakeTranscriber{},
		Thresholds:  &openThresholds,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Cleanup)

	if err := p.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize succeeded against a failing source")
	}

	st := p.Status()
	if st.State != StateUninitialized {
		t.Errorf("state = %q, want uninitialized", st.State)
	}
	if st.MicrophoneGranted {
		t.Error("microphone marked granted after failure")
	}
	if st.Permission != PermissionDenied {
		t.Errorf("permission = %q, want denied", st.Permission)
	}
	if source.stream.RecorderCount() != 0 {
		t.Error("a recorder was started despite stream failure")
	}

	// The source recovers; the same pipeline initializes cleanly.
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if p.State() != StateActive {
		t.Errorf("state = %q, want active after recovery", p.State())
	}
}

func TestInitializeTwiceRejected(t *testing.T) {
	t.Parallel()

	p, _, _, _ := newTestPipeline(t, device.Profile{}, nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Initialize(context.Background()); err == nil {
		t.Fatal("second Initialize succeeded")
	}
}

func TestServerTranscriptionFlow(t *testing.T) {
	t.Parallel()

	profile := device.Profile{IsAndroid: true, HasSpeechRecognitionSupport: true}
	p, source, tr, col := newTestPipeline(t, profile, &fakeEngine{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	feedChunks(t, source.stream)

	waitFor(t, func() bool {
		texts, _ := col.transcripts()
		return len(texts) >= 2
	}, "transcriptions from flush loop")

	if tr.calls.Load() < 2 {
		t.Errorf("transcriber calls = %d, want >= 2", tr.calls.Load())
	}
	texts, sources := col.transcripts()
	for i, src := range sources {
		if src != stt.SourceOpenAI {
			t.Errorf("transcript %d source = %q, want openai", i, src)
		}
	}
	if texts[0] != "реплика 1" {
		t.Errorf("texts = %v", texts)
	}

	snap := p.Stats()
	if snap.Transcripts < 2 || snap.FlushesAccepted < 2 {
		t.Errorf("stats = %+v, want recorded flushes and transcripts", snap)
	}
}

func TestBrowserModeForwardsFinalsOnly(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{scripted: []*fakeEngineSession{engineSession(
		sttstream.Event{Type: sttstream.EventResult, Text: "прив", IsFinal: false},
		sttstream.Event{Type: sttstream.EventResult, Text: "привет", IsFinal: true},
		sttstream.Event{Type: sttstream.EventResult, Text: "что нового", IsFinal: true},
	)}}
	profile := device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true}
	p, _, tr, col := newTestPipeline(t, profile, engine)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, func() bool {
		texts, _ := col.transcripts()
		return len(texts) == 2
	}, "final transcripts")

	texts, sources := col.transcripts()
	if texts[0] != "привет" || texts[1] != "что нового" {
		t.Errorf("texts = %v", texts)
	}
	for i, src := range sources {
		if src != stt.SourceBrowser {
			t.Errorf("transcript %d source = %q, want browser", i, src)
		}
	}
	if tr.calls.Load() != 0 {
		t.Error("server transcriber used in browser mode")
	}
}

func TestFallbackToServerTranscription(t *testing.T) {
	t.Parallel()

	// A non-retriable engine error fails the streaming strategy hard.
	engine := &fakeEngine{scripted: []*fakeEngineSession{func() *fakeEngineSession {
		s := engineSession(sttstream.Event{Type: sttstream.EventError, Code: "service-not-allowed"})
		s.Close()
		return s
	}()}}
	profile := device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true}
	p, source, tr, col := newTestPipeline(t, profile, engine)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.Mode() != ModeBrowser {
		t.Fatalf("mode = %q, want browser before fallback", p.Mode())
	}

	waitFor(t, func() bool { return p.Mode() == ModeOpenAI }, "fallback to server transcription")

	// The fallback flush loop produces transcripts from the same call.
	feedChunks(t, source.stream)
	waitFor(t, func() bool {
		texts, _ := col.transcripts()
		return len(texts) >= 1
	}, "transcription after fallback")

	_, sources := col.transcripts()
	if sources[0] != stt.SourceOpenAI {
		t.Errorf("post-fallback source = %q, want openai", sources[0])
	}
	if tr.calls.Load() == 0 {
		t.Error("transcriber never called after fallback")
	}
}

func TestFallbackDiscardsEarlierAudio(t *testing.T) {
	t.Parallel()

	session := engineSession()
	engine := &fakeEngine{scripted: []*fakeEngineSession{session}}
	profile := device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true}

	source := &fakeSource{stream: capmock.NewStream()}
	tr := &blobTranscriber{}
	col := &collector{}
	p, err := New(Config{
		Profile:       profile,
		Source:        source,
		Engine:        engine,
		Transcriber:   tr,
		Callbacks:     col.callbacks(),
		FlushInterval: 25 * time.Millisecond,
		Thresholds:    &openThresholds,
		ResumeDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Cleanup)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Audio accumulated while streaming recognition ran must not surface
	// in the first server-transcription window after the switch.
	source.stream.LastRecorder().Emit([]byte("pre-switch-audio"))
	time.Sleep(50 * time.Millisecond)

	session.events <- sttstream.Event{Type: sttstream.EventError, Code: "service-not-allowed"}
	session.Close()
	waitFor(t, func() bool { return p.Mode() == ModeOpenAI }, "fallback to server transcription")

	feedChunks(t, source.stream)
	waitFor(t, func() bool { return len(tr.snapshot()) >= 1 }, "transcription after fallback")

	for i, blob := range tr.snapshot() {
		if bytes.Contains(blob.Data, []byte("pre-switch-audio")) {
			t.Errorf("flush %d carried audio recorded before the fallback", i)
		}
	}
}

func TestBrowserModePausesCaptureDuringTTS(t *testing.T) {
	t.Parallel()

	profile := device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true}
	p, source, _, _ := newTestPipeline(t, profile, &fakeEngine{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.Mode() != ModeBrowser {
		t.Fatalf("mode = %q, want browser", p.Mode())
	}

	// Playback pauses the recorder itself, not just the streaming
	// strategy: chunks accumulated during TTS would otherwise replay as
	// user speech after a mid-call fallback.
	p.PauseForTTS()
	rec := source.stream.LastRecorder()
	if rec == nil || !rec.Paused() {
		t.Fatal("recorder not paused during playback in browser mode")
	}

	p.ResumeAfterTTS()
	waitFor(t, func() bool { return !rec.Paused() }, "recorder resumed after settle window")
}

func TestPauseResumeSymmetry(t *testing.T) {
	t.Parallel()

	// A long flush interval keeps the flush loop from restarting the
	// recorder mid-assertion.
	source := &fakeSource{stream: capmock.NewStream()}
	p, err := New(Config{
		Profile:       device.Profile{IsAndroid: true},
		Source:        source,
		Transcriber:   &fakeTranscriber{},
		FlushInterval: time.Hour,
		Thresholds:    &openThresholds,
		ResumeDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Cleanup)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	p.PauseForTTS()
	if p.State() != StatePaused {
		t.Fatalf("state = %q, want paused", p.State())
	}
	waitFor(t, func() bool {
		rec := source.stream.LastRecorder()
		return rec != nil && rec.Paused()
	}, "recorder paused")

	// Redundant pause is a no-op.
	p.PauseForTTS()
	if p.State() != StatePaused {
		t.Fatal("state changed on redundant pause")
	}

	p.ResumeAfterTTS()
	if p.State() != StateActive {
		t.Fatalf("state = %q, want active", p.State())
	}
	waitFor(t, func() bool {
		rec := source.stream.LastRecorder()
		return rec != nil && !rec.Paused()
	}, "recorder resumed after settle window")

	// Redundant resume is a no-op.
	p.ResumeAfterTTS()
	if p.State() != StateActive {
		t.Fatal("state changed on redundant resume")
	}
}

func TestInterruptionDuringTTS(t *testing.T) {
	t.Parallel()

	p, source, _, col := newTestPipeline(t, device.Profile{}, nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	loud := make([]int16, 480)
	for i := range loud {
		loud[i] = 8000
	}

	// Speech without playback is not a barge-in.
	source.stream.EmitEnergy(loud)
	time.Sleep(30 * time.Millisecond)
	if col.interruptionCount() != 0 {
		t.Fatal("interruption raised without active playback")
	}

	p.PauseForTTS()
	source.stream.EmitEnergy(loud)
	waitFor(t, func() bool { return col.interruptionCount() >= 1 }, "interruption during playback")
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	p, source, _, _ := newTestPipeline(t, device.Profile{IsAndroid: true}, nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	p.Cleanup()
	p.Cleanup()

	if p.State() != StateCleanedUp {
		t.Errorf("state = %q, want cleaned-up", p.State())
	}
	if got := source.stream.Track().StopCount(); got < 1 {
		t.Errorf("track stop count = %d, want >= 1", got)
	}

	// A cleaned-up pipeline cannot be reinitialized.
	if err := p.Initialize(context.Background()); err == nil {
		t.Error("Initialize succeeded after cleanup")
	}

	// Cleanup before Initialize is also safe.
	fresh, _, _, _ := newTestPipeline(t, device.Profile{}, nil)
	fresh.Cleanup()
}

func TestFlushEmitsSpans(t *testing.T) {
	// Not parallel: swaps the global tracer provider.
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	source := &fakeSource{stream: capmock.NewStream()}
	p, err := New(Config{
		Profile:       device.Profile{IsAndroid: true},
		Source:        source,
		Transcriber:   &fakeTranscriber{},
		FlushInterval: 25 * time.Millisecond,
		Thresholds:    &openThresholds,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Cleanup)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	feedChunks(t, source.stream)

	waitFor(t, func() bool {
		for _, s := range exp.GetSpans() {
			if s.Name == "pipeline.flush" {
				return true
			}
		}
		return false
	}, "a flush span")
}

func TestDuplicateTranscriptionsSuppressed(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{scripted: []*fakeEngineSession{engineSession(
		sttstream.Event{Type: sttstream.EventResult, Text: "привет", IsFinal: true},
	), engineSession(
		// The engine restarts and re-emits the grown hypothesis.
		sttstream.Event{Type: sttstream.EventResult, Text: "привет как дела", IsFinal: true},
		sttstream.Event{Type: sttstream.EventResult, Text: "что нового", IsFinal: true},
	)}}
	// Close the first session so the strategy restarts into the second.
	engine.scripted[0].Close()

	profile := device.Profile{IsIOS: true, HasSpeechRecognitionSupport: true}
	p, _, _, col := newTestPipeline(t, profile, engine)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, func() bool {
		texts, _ := col.transcripts()
		return len(texts) == 2
	}, "deduplicated transcripts")

	texts, _ := col.transcripts()
	if texts[0] != "привет" || texts[1] != "что нового" {
		t.Errorf("texts = %v, want extension suppressed", texts)
	}
}
