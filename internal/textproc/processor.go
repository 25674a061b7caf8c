package textproc

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

const (
	defaultDedupWindow         = 10 * time.Second
	defaultSimilarityThreshold = 0.85
)

// Verdict classifies the outcome of one [Processor.Normalize] call.
type Verdict int

const (
	// Accepted means the text is genuine new speech and may be forwarded.
	Accepted Verdict = iota

	// Hallucination means the text matched a known transcription artifact.
	Hallucination

	// Duplicate means the text repeats a recently accepted one.
	Duplicate

	// Extension means the text restates the previously accepted text with
	// a short tail appended.
	Extension
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Hallucination:
		return "hallucination"
	case Duplicate:
		return "duplicate"
	case Extension:
		return "extension"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring a [Processor].
type Option func(*Processor)

// WithDedupWindow sets how long an accepted text suppresses repeats.
// Default: 10s.
func WithDedupWindow(d time.Duration) Option {
	return func(p *Processor) {
		p.window = d
	}
}

// WithSimilarityThreshold sets the minimum Jaro-Winkler score at which a
// new text counts as an extension of the previous one. Default: 0.85.
func WithSimilarityThreshold(threshold float64) Option {
	return func(p *Processor) {
		p.similarity = threshold
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithLogger sets the debug logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// Processor normalizes transcriptions for one call. Restarting
// recognition engines re-deliver the tail of an utterance, so a text that
// repeats — or merely extends — a recently accepted one is suppressed.
//
// All methods are safe for concurrent use.
type Processor struct {
	window     time.Duration
	similarity float64
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time // accepted texts, lowercased
	last   string               // most recent accepted text, lowercased
	lastAt time.Time
}

// NewProcessor creates a Processor with a fresh dedup window.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		window:     defaultDedupWindow,
		similarity: defaultSimilarityThreshold,
		now:        time.Now,
		logger:     slog.Default(),
		recent:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Normalize trims and validates a transcription. It returns the cleaned
// text with [Accepted] when the text should be forwarded, or "" with the
// rejecting [Verdict] otherwise.
func (p *Processor) Normalize(text string) (string, Verdict) {
	trimmed := strings.TrimSpace(text)
	if IsHallucination(trimmed) {
		p.logger.Debug("textproc: hallucination dropped", "text", trimmed)
		return "", Hallucination
	}
	key := strings.ToLower(trimmed)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweepLocked(now)

	if _, seen := p.recent[key]; seen {
		p.logger.Debug("textproc: duplicate dropped", "text", trimmed)
		return "", Duplicate
	}
	if p.last != "" && now.Sub(p.lastAt) < p.window && isExtension(key, p.last, p.similarity) {
		p.logger.Debug("textproc: extension of previous text dropped",
			"text", trimmed, "previous", p.last)
		return "", Extension
	}

	p.recent[key] = now
	p.last = key
	p.lastAt = now
	return trimmed, Accepted
}

// Reset clears all dedup state, e.g. when a call restarts.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = make(map[string]time.Time)
	p.last = ""
	p.lastAt = time.Time{}
}

// sweepLocked evicts window-expired entries. Called on every Normalize,
// so the map stays bounded by the call's speech rate. Caller holds p.mu.
func (p *Processor) sweepLocked(now time.Time) {
	for text, at := range p.recent {
		if now.Sub(at) >= p.window {
			delete(p.recent, text)
		}
	}
}

// isExtension reports whether text restates prev with a few words
// appended — the signature of a recognition engine re-emitting a grown
// hypothesis after a restart.
func isExtension(text, prev string, threshold float64) bool {
	if strings.HasPrefix(text, prev) {
		return true
	}
	return matchr.JaroWinkler(text, prev, false) >= threshold
}
