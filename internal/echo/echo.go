// Package echo coordinates speech recognition with TTS playback. While
// the assistant speaks — and for a short settle window afterwards — any
// recognition output is the device's own speaker leaking into the
// microphone and must be suppressed.
package echo

import (
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/device"
)

const (
	// defaultResumeDelay covers browsers with working echo cancellation.
	defaultResumeDelay = 500 * time.Millisecond

	// iosResumeDelay covers iOS, whose audio session switches routes
	// audibly when playback stops.
	iosResumeDelay = time.Second

	// echoProneResumeDelay covers browsers known to leak playback into
	// capture (Android, desktop Chromium); the tail of the TTS audio
	// keeps arriving well after playback nominally ends.
	echoProneResumeDelay = 2 * time.Second
)

// ResumeDelayFor returns how long recognition stays suppressed after TTS
// playback stops on the given device.
func ResumeDelayFor(p device.Profile) time.Duration {
	switch {
	case p.HasEchoProblems:
		return echoProneResumeDelay
	case p.IsIOS:
		return iosResumeDelay
	default:
		return defaultResumeDelay
	}
}

// Option is a functional option for configuring a [Guard].
type Option func(*Guard)

// WithResumeDelay overrides the device-derived resume delay.
func WithResumeDelay(d time.Duration) Option {
	return func(g *Guard) {
		g.resumeDelay = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// Guard tracks TTS playback state for one call. All methods are safe for
// concurrent use.
type Guard struct {
	resumeDelay time.Duration
	now         func() time.Time

	mu        sync.Mutex
	active    bool
	stoppedAt time.Time
}

// NewGuard creates a Guard tuned for the given device.
func NewGuard(p device.Profile, opts ...Option) *Guard {
	g := &Guard{
		resumeDelay: ResumeDelayFor(p),
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetTTSActive records a playback state change. Marking playback inactive
// starts the settle window.
func (g *Guard) SetTTSActive(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active && !active {
		g.stoppedAt = g.now()
	}
	g.active = active
}

// TTSActive reports whether playback is currently marked active.
func (g *Guard) TTSActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// ShouldSuppressSTT reports whether recognition output must be discarded:
// during playback and through the settle window after it.
func (g *Guard) ShouldSuppressSTT() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		return true
	}
	return !g.stoppedAt.IsZero() && g.now().Sub(g.stoppedAt) < g.resumeDelay
}

// ResumeDelay returns the settle window length.
func (g *Guard) ResumeDelay() time.Duration {
	return g.resumeDelay
}

// Reset clears playback state, e.g. when a call restarts.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	g.stoppedAt = time.Time{}
}
