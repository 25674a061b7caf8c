package app

import (
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/pkg/capture"
)

// wsStream adapts a call's WebSocket connection into a [capture.Stream].
// Binary messages from the client are the encoded audio chunks; "energy"
// messages feed the interruption monitor's PCM tap. Recorder and track
// control is relayed to the client as JSON messages, so the browser's
// MediaRecorder mirrors the server-side recording state.
type wsStream struct {
	writer *wsWriter

	// mimes holds the client-declared recording formats. Empty means the
	// client predates format negotiation and everything is assumed fine.
	mimes []string

	tap   chan []int16
	track *wsTrack

	mu  sync.Mutex
	rec *wsRecorder
}

var _ capture.Stream = (*wsStream)(nil)

func newWSStream(writer *wsWriter, mimes []string) *wsStream {
	return &wsStream{
		writer: writer,
		mimes:  mimes,
		tap:    make(chan []int16, 256),
		track:  &wsTrack{writer: writer},
	}
}

// SupportsMIME implements capture.Stream.
func (s *wsStream) SupportsMIME(mime string) bool {
	if len(s.mimes) == 0 {
		return true
	}
	for _, m := range s.mimes {
		if m == mime {
			return true
		}
	}
	return false
}

// StartRecorder implements capture.Stream. The client is told to start its
// MediaRecorder with the negotiated format and chunk interval.
func (s *wsStream) StartRecorder(mime string, interval time.Duration) (capture.Recorder, error) {
	rec := &wsRecorder{
		stream: s,
		writer: s.writer,
		ch:     make(chan []byte, 64),
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	if err := s.writer.send(serverMessage{
		Type:       msgRecord,
		MIME:       mime,
		IntervalMS: interval.Milliseconds(),
	}); err != nil {
		s.mu.Lock()
		s.rec = nil
		s.mu.Unlock()
		return nil, err
	}
	return rec, nil
}

// EnergyTap implements capture.Stream.
func (s *wsStream) EnergyTap() <-chan []int16 { return s.tap }

// Tracks implements capture.Stream.
func (s *wsStream) Tracks() []capture.Track {
	return []capture.Track{s.track}
}

// deliverChunk routes one binary audio message into the active recorder.
// Chunks arriving between recorder restarts are dropped, matching what a
// restarting MediaRecorder loses anyway.
func (s *wsStream) deliverChunk(data []byte) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.deliver(data)
	}
}

// deliverEnergy pushes one PCM frame into the monitor tap. Never blocks;
// the monitor is lossy by design.
func (s *wsStream) deliverEnergy(frame []int16) {
	select {
	case s.tap <- frame:
	default:
	}
}

// clearRecorder detaches rec if it is still the active recorder.
func (s *wsStream) clearRecorder(rec *wsRecorder) {
	s.mu.Lock()
	if s.rec == rec {
		s.rec = nil
	}
	s.mu.Unlock()
}

// wsRecorder is one segmented recording relayed over the socket.
type wsRecorder struct {
	stream *wsStream
	writer *wsWriter

	mu     sync.Mutex
	ch     chan []byte
	paused bool
	closed bool
}

// Chunks implements capture.Recorder.
func (r *wsRecorder) Chunks() <-chan []byte { return r.ch }

// Pause implements capture.Recorder.
func (r *wsRecorder) Pause() error {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return r.writer.send(serverMessage{Type: msgRecordPause})
}

// Resume implements capture.Recorder.
func (r *wsRecorder) Resume() error {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	return r.writer.send(serverMessage{Type: msgRecordResume})
}

// Stop implements capture.Recorder. Safe to call more than once.
func (r *wsRecorder) Stop() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.stream.clearRecorder(r)
	return r.writer.send(serverMessage{Type: msgRecordStop})
}

// deliver buffers one chunk. Drops instead of blocking when the capturer
// falls behind.
func (r *wsRecorder) deliver(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.paused {
		return
	}
	select {
	case r.ch <- data:
	default:
	}
}

// wsTrack is the single logical microphone track behind a call stream.
// Stopping it tells the client to release the microphone.
type wsTrack struct {
	writer *wsWriter
	once   sync.Once
}

// Stop implements capture.Track.
func (t *wsTrack) Stop() {
	t.once.Do(func() {
		_ = t.writer.send(serverMessage{Type: msgReleaseMic})
	})
}
