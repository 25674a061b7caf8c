// Package vad implements voice-activity detection for the call pipeline.
//
// It has two independent responsibilities:
//
//   - [Gate] decides whether a captured audio blob is worth sending to the
//     transcription endpoint, using cooldown/duration/size floors and an
//     energy estimate with a size-based fallback.
//   - [Monitor] watches a continuous low-latency energy tap of the
//     microphone stream and raises an interruption callback when the user
//     starts speaking over TTS playback.
//
// All numeric thresholds are device-dependent and empirically tuned;
// [ThresholdsFor] and [MonitorConfigFor] return the defaults for a device
// profile.
package vad

import (
	"log/slog"
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
	"github.com/RockInMyHead/voicepipe/pkg/device"
)

// Thresholds holds the send-gating floors for one device class.
type Thresholds struct {
	// MinRMSPercent is the minimum estimated loudness, as a percentage of
	// full scale, for a blob to be accepted. Zero disables the loudness
	// check.
	MinRMSPercent float64

	// MinBytes is the minimum blob payload size.
	MinBytes int

	// MinDuration is the minimum accumulation window duration.
	MinDuration time.Duration

	// Cooldown is the minimum gap between two accepted sends.
	Cooldown time.Duration
}

// ThresholdsFor returns the default send-gating thresholds for a device.
// iOS encoders produce larger, denser chunks, so its floors sit higher.
func ThresholdsFor(p device.Profile) Thresholds {
	if p.IsIOS {
		return Thresholds{
			MinRMSPercent: 2.5,
			MinBytes:      40 * 1024,
			MinDuration:   1500 * time.Millisecond,
			Cooldown:      2 * time.Second,
		}
	}
	return Thresholds{
		MinRMSPercent: 1.5,
		MinBytes:      20 * 1024,
		MinDuration:   1000 * time.Millisecond,
		Cooldown:      2 * time.Second,
	}
}

// EnergyEstimator computes the loudness of a captured blob as a percentage
// of full scale. Implementations may fail for container formats they cannot
// decode; the [Gate] then falls back to a size heuristic.
type EnergyEstimator interface {
	RMSPercent(blob *capture.Blob) (float64, error)
}

// GateOption configures a [Gate] during construction.
type GateOption func(*Gate)

// WithEstimator replaces the default opus-decoding energy estimator.
func WithEstimator(e EnergyEstimator) GateOption {
	return func(g *Gate) {
		g.estimator = e
	}
}

// WithGateLogger sets the debug logger. Defaults to [slog.Default].
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// Gate is the send-gating half of the VAD. It is owned by the pipeline's
// flush loop; all methods are safe for concurrent use.
type Gate struct {
	mu           sync.Mutex
	thr          Thresholds
	estimator    EnergyEstimator
	lastAccepted time.Time
	logger       *slog.Logger
}

// NewGate creates a Gate with the given thresholds. The default energy
// estimator decodes opus packets; use [WithEstimator] to override.
func NewGate(thr Thresholds, opts ...GateOption) *Gate {
	g := &Gate{
		thr:    thr,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.estimator == nil {
		g.estimator = NewOpusEstimator(48000, 1)
	}
	return g
}

// ShouldSend reports whether blob contains voice worth transcribing.
//
// Rejection order: cooldown since the last accepted send, minimum duration,
// minimum byte size, then estimated loudness. Loudness prefers decoded RMS
// energy; when decoding fails (common for some containers on some browsers)
// a monotonic size heuristic is used instead — larger blob, assumed louder.
//
// An accepted send arms the cooldown.
func (g *Gate) ShouldSend(blob *capture.Blob, dur time.Duration) bool {
	if blob == nil || len(blob.Data) == 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.thr.Cooldown {
		g.logger.Debug("vad: rejected by cooldown", "since_last", now.Sub(g.lastAccepted))
		return false
	}
	if dur < g.thr.MinDuration {
		g.logger.Debug("vad: rejected by duration", "duration", dur, "min", g.thr.MinDuration)
		return false
	}
	if len(blob.Data) < g.thr.MinBytes {
		g.logger.Debug("vad: rejected by size", "size", len(blob.Data), "min", g.thr.MinBytes)
		return false
	}

	if g.thr.MinRMSPercent > 0 {
		loudness, err := g.estimator.RMSPercent(blob)
		if err != nil {
			loudness = sizeLoudnessPercent(len(blob.Data))
			g.logger.Debug("vad: energy decode failed, using size heuristic",
				"err", err, "estimated", loudness)
		}
		if loudness < g.thr.MinRMSPercent {
			g.logger.Debug("vad: rejected by loudness", "loudness", loudness, "min", g.thr.MinRMSPercent)
			return false
		}
	}

	g.lastAccepted = now
	return true
}

// Reset clears the cooldown state, e.g. when a call restarts.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAccepted = time.Time{}
}

// sizeLoudnessPercent maps a blob byte size to an assumed loudness
// percentage. Strictly monotonic in size and capped at 10%: opus emits more
// bytes for louder, busier audio, so size is a workable proxy when the
// payload cannot be decoded.
func sizeLoudnessPercent(size int) float64 {
	pct := float64(size) / 4096.0
	if pct > 10 {
		pct = 10
	}
	return pct
}
