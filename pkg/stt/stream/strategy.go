package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/stt"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Option configures a [Strategy].
type Option func(*Strategy)

// WithLogger sets the debug logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) {
		s.logger = l
	}
}

// WithMaxRetries bounds how many retriable engine failures in a row the
// strategy absorbs before giving up.
func WithMaxRetries(n int) Option {
	return func(s *Strategy) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base restart delay. The actual delay grows
// linearly with the attempt number.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Strategy) {
		s.retryDelay = d
	}
}

// Strategy runs continuous recognition through an [Engine]. It keeps the
// engine session alive across the engine's own spontaneous endings,
// retries retriable failures with linear backoff, and reports exhaustion
// through the error callback so the owner can fall back to server
// transcription.
//
// All methods are safe for concurrent use.
type Strategy struct {
	engine       Engine
	onTranscript func(stt.Transcript)
	onError      func(error)
	logger       *slog.Logger
	maxRetries   int
	retryDelay   time.Duration

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	loopCancel context.CancelFunc
	active     bool // recognition is wanted
	paused     bool
	sess       Session
	wg         sync.WaitGroup

	attempts  int
	lastFinal string
}

var _ stt.Strategy = (*Strategy)(nil)

// New creates a streaming strategy. onTranscript receives final results;
// onError receives the hard failure when the retry budget is exhausted or
// the engine reports a non-retriable error.
func New(engine Engine, onTranscript func(stt.Transcript), onError func(error), opts ...Option) *Strategy {
	s := &Strategy{
		engine:       engine,
		onTranscript: onTranscript,
		onError:      onError,
		logger:       slog.Default(),
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins recognition. A no-op when already started.
func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return nil
	}
	s.active = true
	s.paused = false
	s.attempts = 0
	s.lastFinal = ""
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.startLoopLocked()
	return nil
}

// startLoopLocked spawns a session loop with its own cancelable context so
// Pause can interrupt a loop that is mid-backoff. Caller holds s.mu.
func (s *Strategy) startLoopLocked() {
	loopCtx, loopCancel := context.WithCancel(s.ctx)
	s.loopCancel = loopCancel
	s.wg.Add(1)
	go s.loop(loopCtx)
}

// Stop ends recognition and waits for the session loop to exit. Safe to
// call repeatedly.
func (s *Strategy) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.paused = false
	sess := s.sess
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if sess != nil {
		_ = sess.Close()
	}
	s.wg.Wait()
}

// Pause stops the engine session while keeping the strategy active, so
// recognition does not pick up TTS playback. The session loop exits;
// [Strategy.Resume] starts a fresh one.
func (s *Strategy) Pause() {
	s.mu.Lock()
	if !s.active || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	sess := s.sess
	loopCancel := s.loopCancel
	s.mu.Unlock()

	loopCancel()
	if sess != nil {
		_ = sess.Close()
	}
	s.wg.Wait()
}

// Resume restarts recognition after a Pause. A no-op unless the strategy
// is active and paused.
func (s *Strategy) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || !s.paused {
		return
	}
	s.paused = false
	s.startLoopLocked()
}

// loop opens engine sessions until the strategy is stopped, paused, or
// fails hard. One loop goroutine runs at a time; Pause and Stop wait for
// it before returning.
func (s *Strategy) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if !s.wantsSession() || ctx.Err() != nil {
			return
		}

		sess, err := s.engine.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("stream: engine open failed", "err", err)
			if !s.backoff(ctx, err) {
				return
			}
			continue
		}

		s.setSession(sess)
		retriable, hardErr := s.consume(sess)
		s.setSession(nil)

		if !s.wantsSession() || ctx.Err() != nil {
			return
		}
		if hardErr != nil {
			s.fail(hardErr)
			return
		}
		if retriable != nil {
			if !s.backoff(ctx, retriable) {
				return
			}
			continue
		}
		// The engine ended on its own while recognition is still wanted;
		// restart immediately.
		s.logger.Debug("stream: engine ended, restarting")
	}
}

// consume drains one session. It returns a retriable error to back off
// on, a hard error to fail on, or (nil, nil) when the session ended
// cleanly.
func (s *Strategy) consume(sess Session) (retriable, hard error) {
	for ev := range sess.Events() {
		switch ev.Type {
		case EventResult:
			s.handleResult(ev)
		case EventError:
			switch ev.Code {
			case codeAborted:
				// Echo of our own stop.
			case codeNetwork, codeAudioCapture, codeNotAllowed:
				retriable = fmt.Errorf("stream: engine error %q: %s", ev.Code, ev.Message)
			default:
				hard = fmt.Errorf("stream: engine error %q: %s: %w", ev.Code, ev.Message, stt.ErrStrategyFailed)
			}
		case EventEnd:
			// The events channel closes right after; keep draining.
		}
	}
	if hard != nil {
		return nil, hard
	}
	return retriable, nil
}

// handleResult forwards final results, deduplicating consecutive
// repeats. Interim hypotheses only reach the debug log; overlapping
// engine restarts re-deliver them too often to be useful downstream.
func (s *Strategy) handleResult(ev Event) {
	if !ev.IsFinal {
		s.logger.Debug("stream: interim result", "text", ev.Text)
		return
	}

	s.mu.Lock()
	s.attempts = 0
	if ev.Text == s.lastFinal {
		s.mu.Unlock()
		s.logger.Debug("stream: duplicate final dropped", "text", ev.Text)
		return
	}
	s.lastFinal = ev.Text
	s.mu.Unlock()

	s.onTranscript(stt.Transcript{
		Text:    ev.Text,
		IsFinal: true,
		Source:  stt.SourceBrowser,
	})
}

// backoff accounts one retriable failure and sleeps the linear delay.
// Returns false when the budget is exhausted (the strategy fails hard)
// or the wait was interrupted.
func (s *Strategy) backoff(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.maxRetries {
		s.fail(fmt.Errorf("stream: %d restarts exhausted: %v: %w", s.maxRetries, cause, stt.ErrStrategyFailed))
		return false
	}

	delay := time.Duration(attempt) * s.retryDelay
	s.logger.Debug("stream: retrying engine", "attempt", attempt, "delay", delay, "cause", cause)
	select {
	case <-time.After(delay):
		return s.wantsSession()
	case <-ctx.Done():
		return false
	}
}

// fail deactivates the strategy and reports the hard error.
func (s *Strategy) fail(err error) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.logger.Debug("stream: strategy failed", "err", err)
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Strategy) wantsSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.paused
}

func (s *Strategy) setSession(sess Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}
