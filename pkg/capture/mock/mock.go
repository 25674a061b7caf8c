// Package mock provides in-memory implementations of [capture.Stream],
// [capture.Recorder], and [capture.Track] for tests.
package mock

import (
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
)

// Track records whether Stop was called.
type Track struct {
	mu      sync.Mutex
	stopped int
}

// Stop implements capture.Track.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

// StopCount returns how many times Stop was called.
func (t *Track) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Recorder is a scripted capture.Recorder. Feed chunks with Emit; Stop
// closes the chunk channel.
type Recorder struct {
	mu     sync.Mutex
	ch     chan []byte
	paused bool
	closed bool

	PauseErr  error
	ResumeErr error
}

// NewRecorder creates a Recorder with a buffered chunk channel.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan []byte, 64)}
}

// Emit delivers one chunk unless the recorder is paused or stopped.
func (r *Recorder) Emit(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.paused {
		return
	}
	r.ch <- chunk
}

// Chunks implements capture.Recorder.
func (r *Recorder) Chunks() <-chan []byte { return r.ch }

// Pause implements capture.Recorder.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PauseErr != nil {
		return r.PauseErr
	}
	r.paused = true
	return nil
}

// Resume implements capture.Recorder.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ResumeErr != nil {
		return r.ResumeErr
	}
	r.paused = false
	return nil
}

// Stop implements capture.Recorder. Safe to call more than once.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	return nil
}

// Paused reports the current pause state.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Stream is a scripted capture.Stream backed by mock recorders and tracks.
type Stream struct {
	mu        sync.Mutex
	recorders []*Recorder
	tracks    []*Track
	tap       chan []int16

	// SupportedMIMEs restricts format negotiation. Empty means all
	// formats are supported.
	SupportedMIMEs []string

	// StartErr, when set, is returned by StartRecorder.
	StartErr error
}

// NewStream creates a Stream with a single mock track.
func NewStream() *Stream {
	return &Stream{
		tracks: []*Track{{}},
		tap:    make(chan []int16, 256),
	}
}

// SupportsMIME implements capture.Stream.
func (s *Stream) SupportsMIME(mime string) bool {
	if len(s.SupportedMIMEs) == 0 {
		return true
	}
	for _, m := range s.SupportedMIMEs {
		if m == mime {
			return true
		}
	}
	return false
}

// StartRecorder implements capture.Stream.
func (s *Stream) StartRecorder(mime string, interval time.Duration) (capture.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	rec := NewRecorder()
	s.recorders = append(s.recorders, rec)
	return rec, nil
}

// LastRecorder returns the most recently started recorder, or nil.
func (s *Stream) LastRecorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recorders) == 0 {
		return nil
	}
	return s.recorders[len(s.recorders)-1]
}

// RecorderCount returns the number of recorders started on this stream.
func (s *Stream) RecorderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recorders)
}

// EnergyTap implements capture.Stream.
func (s *Stream) EnergyTap() <-chan []int16 { return s.tap }

// EmitEnergy pushes one PCM frame into the energy tap.
func (s *Stream) EmitEnergy(frame []int16) {
	select {
	case s.tap <- frame:
	default:
	}
}

// Tracks implements capture.Stream.
func (s *Stream) Tracks() []capture.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Track, len(s.tracks))
	for i, tr := range s.tracks {
		out[i] = tr
	}
	return out
}

// Track returns the stream's first mock track.
func (s *Stream) Track() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[0]
}
