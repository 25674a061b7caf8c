// Package capture owns the microphone stream and the segmented recorder for
// one call. The [Capturer] is the single authoritative owner of the
// [Stream]: it negotiates the recording format, accumulates the chunk
// sequence between flush boundaries, toggles pause state without destroying
// the stream, and releases the underlying hardware tracks on cleanup.
//
// Other components (the recognition engine, the interruption monitor) only
// read from taps of the stream; they never mutate it.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/device"
)

// ErrUnsupportedFormat is returned by [Capturer.StartRecording] when the
// stream supports none of the preferred encodings.
var ErrUnsupportedFormat = errors.New("capture: no supported audio format")

// mimePreference is the ordered list of encodings tried during format
// negotiation. Opus in WebM first, uncompressed WAV as the last resort.
var mimePreference = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/wav",
}

// Track is a handle to one hardware capture track of a [Stream].
// Stopping a track releases the underlying device resource.
type Track interface {
	Stop()
}

// Recorder is an active segmented recording on a [Stream]. Chunks arrive on
// the Chunks channel at the interval negotiated when the recorder was
// started; the channel is closed (after draining pending chunks) once Stop
// returns.
type Recorder interface {
	// Chunks returns the channel delivering encoded audio chunks as they
	// are produced. Closed after Stop.
	Chunks() <-chan []byte

	// Pause suspends chunk production without ending the recording.
	Pause() error

	// Resume restarts chunk production after a Pause.
	Resume() error

	// Stop ends the recording, flushes any pending chunk, and closes the
	// Chunks channel. Calling Stop more than once is safe.
	Stop() error
}

// Stream represents the granted microphone stream for one call.
//
// Implementations wrap the actual transport (a WebSocket carrying the web
// client's audio) or a test fixture. A Stream outlives its recorders: the
// Capturer may stop and restart recorders on the same stream repeatedly.
type Stream interface {
	// SupportsMIME reports whether the stream can record in the given
	// encoding.
	SupportsMIME(mime string) bool

	// StartRecorder begins a segmented recording that emits one chunk per
	// interval. At most one recorder should be active per stream at a
	// time; the Capturer enforces this.
	StartRecorder(mime string, interval time.Duration) (Recorder, error)

	// EnergyTap returns a continuous low-latency PCM tap used by the
	// interruption monitor. Reading the tap never affects recording.
	EnergyTap() <-chan []int16

	// Tracks returns the hardware track handles backing this stream.
	Tracks() []Track
}

// Blob is the result of one flush boundary: the concatenation of every
// chunk accumulated since recording (re)started, tagged with the
// negotiated MIME type.
type Blob struct {
	// Data is the concatenated chunk payload.
	Data []byte

	// Chunks preserves the original chunk boundaries. The VAD uses them
	// to decode individual packets for energy estimation.
	Chunks [][]byte

	// MIME is the negotiated encoding of the blob.
	MIME string

	// Duration is the wall-clock span of the accumulation window,
	// excluding time spent paused.
	Duration time.Duration
}

// Size returns the blob payload size in bytes. A nil blob has size 0.
func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Option configures a [Capturer] during construction.
type Option func(*Capturer)

// WithLogger sets the debug logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Capturer) {
		c.logger = l
	}
}

// WithChunkInterval overrides the device-derived chunk boundary interval.
func WithChunkInterval(d time.Duration) Option {
	return func(c *Capturer) {
		c.interval = d
	}
}

// Capturer manages the recording lifecycle on a single microphone stream.
// All exported methods are safe for concurrent use.
type Capturer struct {
	mu sync.Mutex

	profile  device.Profile
	interval time.Duration
	logger   *slog.Logger

	stream   Stream
	recorder Recorder
	mime     string

	recording bool
	paused    bool

	chunks    [][]byte
	startedAt time.Time
	pausedAt  time.Time
	pausedFor time.Duration

	// collectDone is closed when the chunk collection goroutine for the
	// current recorder has drained and exited.
	collectDone chan struct{}
}

// New creates a Capturer for the given device profile. No stream is
// attached until [Capturer.StartRecording].
func New(profile device.Profile, opts ...Option) *Capturer {
	c := &Capturer{
		profile:  profile,
		interval: chunkIntervalFor(profile),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// chunkIntervalFor returns the chunk boundary interval for a device.
// iOS gets longer chunks to reduce recognition-engine churn.
func chunkIntervalFor(p device.Profile) time.Duration {
	if p.IsIOS {
		return 3 * time.Second
	}
	return time.Second
}

// ChunkInterval returns the active chunk boundary interval.
func (c *Capturer) ChunkInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// StartRecording negotiates an encoding and begins a segmented recording on
// stream. Exactly one recorder is active per stream at a time: if a
// recorder already exists the call is ignored and returns nil.
//
// Returns [ErrUnsupportedFormat] when the stream supports none of the
// preferred encodings.
func (c *Capturer) StartRecording(stream Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorder != nil {
		c.logger.Debug("capture: recorder already active, ignoring start")
		return nil
	}

	mime := c.mime
	if mime == "" || c.stream != stream {
		mime = negotiateMIME(stream)
		if mime == "" {
			return ErrUnsupportedFormat
		}
	}

	rec, err := stream.StartRecorder(mime, c.interval)
	if err != nil {
		return fmt.Errorf("capture: start recorder: %w", err)
	}

	c.stream = stream
	c.recorder = rec
	c.mime = mime
	c.recording = true
	c.paused = false
	c.chunks = nil
	c.startedAt = time.Now()
	c.pausedFor = 0

	done := make(chan struct{})
	c.collectDone = done
	go c.collect(rec, done)

	c.logger.Debug("capture: recording started", "mime", mime, "interval", c.interval)
	return nil
}

// collect drains recorder chunks into the accumulator until the recorder's
// channel closes. Runs on its own goroutine per recorder.
func (c *Capturer) collect(rec Recorder, done chan struct{}) {
	defer close(done)
	for chunk := range rec.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		c.mu.Lock()
		// Chunks delivered after Cleanup raced the stop; drop them.
		if c.recorder == rec {
			c.chunks = append(c.chunks, chunk)
		}
		c.mu.Unlock()
	}
}

// StopRecording ends the active recording and returns the accumulated
// chunks as a single [Blob], clearing the accumulator. Returns (nil, nil)
// when no recorder is active — an expected condition, not an error.
//
// The stream itself stays attached; a subsequent StartRecording on the same
// stream reuses the negotiated encoding.
func (c *Capturer) StopRecording() (*Blob, error) {
	c.mu.Lock()
	rec := c.recorder
	done := c.collectDone
	c.mu.Unlock()

	if rec == nil {
		return nil, nil
	}

	if err := rec.Stop(); err != nil {
		c.logger.Warn("capture: recorder stop", "err", err)
	}
	// Wait for the collector to drain the final chunk.
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorder != rec {
		// Cleanup ran concurrently and already took the state down.
		return nil, nil
	}

	blob := c.assembleLocked()
	c.recorder = nil
	c.collectDone = nil
	c.recording = false
	c.paused = false
	c.chunks = nil
	return blob, nil
}

// assembleLocked concatenates the accumulated chunks into a Blob.
// Must be called with c.mu held. Returns nil when nothing accumulated.
func (c *Capturer) assembleLocked() *Blob {
	if len(c.chunks) == 0 {
		return nil
	}
	total := 0
	for _, ch := range c.chunks {
		total += len(ch)
	}
	data := make([]byte, 0, total)
	parts := make([][]byte, len(c.chunks))
	for i, ch := range c.chunks {
		data = append(data, ch...)
		parts[i] = ch
	}

	dur := time.Since(c.startedAt) - c.pausedFor
	if c.paused {
		dur = c.pausedAt.Sub(c.startedAt) - c.pausedFor
	}
	if dur < 0 {
		dur = 0
	}

	return &Blob{Data: data, Chunks: parts, MIME: c.mime, Duration: dur}
}

// PauseRecording suspends chunk production. No-op unless currently
// recording and not already paused.
func (c *Capturer) PauseRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording || c.paused || c.recorder == nil {
		return
	}
	if err := c.recorder.Pause(); err != nil {
		c.logger.Warn("capture: pause", "err", err)
		return
	}
	c.paused = true
	c.pausedAt = time.Now()
}

// ResumeRecording restarts chunk production. No-op unless currently paused.
func (c *Capturer) ResumeRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording || !c.paused || c.recorder == nil {
		return
	}
	if err := c.recorder.Resume(); err != nil {
		c.logger.Warn("capture: resume", "err", err)
		return
	}
	c.paused = false
	c.pausedFor += time.Since(c.pausedAt)
}

// Discard drops the accumulated chunks without ending the recording and
// restarts the accumulation window at now. No-op when nothing recorded.
func (c *Capturer) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorder == nil {
		return
	}
	c.chunks = nil
	c.startedAt = time.Now()
	c.pausedFor = 0
	if c.paused {
		c.pausedAt = c.startedAt
	}
}

// IsRecording reports whether a recorder is currently active.
func (c *Capturer) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// IsPaused reports whether the active recorder is paused.
func (c *Capturer) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// MIME returns the negotiated encoding, or "" before negotiation.
func (c *Capturer) MIME() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mime
}

// Cleanup stops the recorder if one is active, stops every hardware track
// on the stream, and clears all state. Idempotent: safe to call multiple
// times and on a Capturer that never recorded.
func (c *Capturer) Cleanup() {
	c.mu.Lock()
	rec := c.recorder
	done := c.collectDone
	stream := c.stream
	c.recorder = nil
	c.collectDone = nil
	c.mu.Unlock()

	if rec != nil {
		if err := rec.Stop(); err != nil {
			c.logger.Warn("capture: cleanup recorder stop", "err", err)
		}
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stream != nil {
		for _, tr := range stream.Tracks() {
			tr.Stop()
		}
	}
	c.stream = nil
	c.mime = ""
	c.recording = false
	c.paused = false
	c.chunks = nil
	c.pausedFor = 0
}

// negotiateMIME returns the first encoding from the preference list the
// stream supports, or "".
func negotiateMIME(stream Stream) string {
	for _, mime := range mimePreference {
		if stream.SupportsMIME(mime) {
			return mime
		}
	}
	return ""
}
