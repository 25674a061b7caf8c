package vad

import (
	"log/slog"
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/device"
)

// MonitorConfig holds the interruption-detection tuning for one device
// class.
type MonitorConfig struct {
	// ThresholdPercent is the frame RMS level, as a percentage of full
	// scale, above which a frame counts toward an interruption.
	ThresholdPercent float64

	// ConsecutiveFrames is how many loud frames in a row are required
	// before an interruption is raised.
	ConsecutiveFrames int

	// Debounce is the minimum gap between two raised interruptions.
	Debounce time.Duration
}

// MonitorConfigFor returns the default interruption tuning for a device.
// Echo-prone browsers leak TTS playback into the microphone, so their
// threshold sits higher to avoid self-interruption.
func MonitorConfigFor(p device.Profile) MonitorConfig {
	if p.HasEchoProblems {
		return MonitorConfig{
			ThresholdPercent:  6.0,
			ConsecutiveFrames: 5,
			Debounce:          1500 * time.Millisecond,
		}
	}
	return MonitorConfig{
		ThresholdPercent:  3.5,
		ConsecutiveFrames: 3,
		Debounce:          time.Second,
	}
}

// Monitor is the continuous interruption detector. It consumes PCM frames
// from the stream's energy tap at whatever cadence the tap delivers them
// (display-refresh rate in the browser) and raises its callback when
// sustained voice energy is detected.
//
// A Monitor is stoppable and safe to restart. All methods are safe for
// concurrent use.
type Monitor struct {
	mu  sync.Mutex
	cfg MonitorConfig

	onInterruption func()
	logger         *slog.Logger

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// MonitorOption configures a [Monitor] during construction.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the debug logger. Defaults to [slog.Default].
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a Monitor that invokes onInterruption when sustained
// voice energy is detected. onInterruption must not block; it is called
// from the monitoring goroutine.
func NewMonitor(cfg MonitorConfig, onInterruption func(), opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cfg:            cfg,
		onInterruption: onInterruption,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins monitoring the given frame tap. A no-op if the monitor is
// already running. The monitor stops on [Monitor.Stop] or when the tap
// channel is closed.
func (m *Monitor) Start(frames <-chan []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.loop(frames, m.done)
}

// Stop halts monitoring and waits for the monitoring goroutine to exit.
// Safe to call when not running and safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

// loop is the per-start monitoring goroutine. Streak state is confined
// here; no synchronisation needed.
func (m *Monitor) loop(frames <-chan []int16, done chan struct{}) {
	defer m.wg.Done()

	var (
		streak     int
		lastRaised time.Time
	)

	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if rmsPercent(frame) < m.cfg.ThresholdPercent {
				streak = 0
				continue
			}
			streak++
			if streak < m.cfg.ConsecutiveFrames {
				continue
			}
			streak = 0
			now := time.Now()
			if !lastRaised.IsZero() && now.Sub(lastRaised) < m.cfg.Debounce {
				continue
			}
			lastRaised = now
			m.logger.Debug("vad: interruption detected")
			m.onInterruption()
		}
	}
}
