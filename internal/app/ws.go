package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/RockInMyHead/voicepipe/internal/pipeline"
	"github.com/RockInMyHead/voicepipe/pkg/capture"
	"github.com/RockInMyHead/voicepipe/pkg/device"
	"github.com/RockInMyHead/voicepipe/pkg/stt"
)

// Client → server message types.
const (
	msgStart  = "start"
	msgEnergy = "energy"
	msgTTS    = "tts"
	msgStatus = "status"
	msgStop   = "stop"
)

// Server → client message types.
const (
	msgReady         = "ready"
	msgRecord        = "record"
	msgRecordPause   = "record_pause"
	msgRecordResume  = "record_resume"
	msgRecordStop    = "record_stop"
	msgReleaseMic    = "release_mic"
	msgTranscription = "transcription"
	msgInterruption  = "interruption"
	msgError         = "error"
	msgEnded         = "ended"
)

// startTimeout bounds how long the server waits for the start message
// after the socket opens.
const startTimeout = 10 * time.Second

// clientMessage is the wire format of a client control message. Binary
// frames on the same socket carry encoded audio chunks and have no JSON
// envelope.
type clientMessage struct {
	Type string `json:"type"`

	// start fields
	CallID       string             `json:"call_id,omitempty"`
	Platform     string             `json:"platform,omitempty"`
	UserAgent    string             `json:"user_agent,omitempty"`
	Permission   string             `json:"permission,omitempty"`
	Capabilities clientCapabilities `json:"capabilities,omitempty"`
	MIMETypes    []string           `json:"mime_types,omitempty"`

	// energy fields
	PCM []int16 `json:"pcm,omitempty"`

	// tts fields
	Active bool `json:"active,omitempty"`
}

// clientCapabilities mirrors the feature detection the web client runs
// before opening a call.
type clientCapabilities struct {
	SpeechRecognition bool `json:"speech_recognition"`
	MediaDevices      bool `json:"media_devices"`
	MediaRecorder     bool `json:"media_recorder"`
}

// serverMessage is the wire format of a server message.
type serverMessage struct {
	Type string `json:"type"`

	CallID     string `json:"call_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	State      string `json:"state,omitempty"`
	Text       string `json:"text,omitempty"`
	Source     string `json:"source,omitempty"`
	Message    string `json:"message,omitempty"`
	MIME       string `json:"mime,omitempty"`
	IntervalMS int64  `json:"interval_ms,omitempty"`

	Stats *statusStats `json:"stats,omitempty"`
}

// statusStats is the stats block of a status reply.
type statusStats struct {
	Transcripts     int64 `json:"transcripts"`
	Interruptions   int64 `json:"interruptions"`
	Errors          int64 `json:"errors"`
	FlushesAccepted int64 `json:"flushes_accepted"`
	FlushesRejected int64 `json:"flushes_rejected"`
	STTP50MS        int64 `json:"stt_p50_ms"`
	STTP95MS        int64 `json:"stt_p95_ms"`
}

// wsWriter serializes writes to one socket. Pipeline callbacks, recorder
// control, and the read loop all write through it.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) send(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("app: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// wsSource grants the call's microphone stream. The grant fails when the
// client has no microphone API at all; that is the server-side analogue of
// a denied permission prompt.
type wsSource struct {
	stream    *wsStream
	supported bool
}

func (s *wsSource) RequestStream(_ context.Context, _ pipeline.StreamConstraints) (capture.Stream, error) {
	if !s.supported {
		return nil, errors.New("app: client has no microphone access")
	}
	return s.stream, nil
}

// wsPerms reports the permission state the client declared at call start.
type wsPerms struct {
	status pipeline.PermissionStatus
}

func (p *wsPerms) QueryMicrophone(context.Context) (pipeline.PermissionStatus, error) {
	if p.status == "" {
		return pipeline.PermissionUnknown, nil
	}
	return p.status, nil
}

// handleCall serves one voice call over a WebSocket. The connection stays
// open for the call's lifetime; closing it from either side ends the call.
func (a *App) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("call accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "call aborted")

	ctx := r.Context()
	writer := newWSWriter(conn)

	start, err := readStart(ctx, conn)
	if err != nil {
		a.logger.Warn("call start failed", "err", err)
		_ = writer.send(serverMessage{Type: msgError, Message: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "missing start message")
		return
	}

	callID := start.CallID
	if callID == "" {
		callID = newCallID()
	}
	logger := a.logger.With("call_id", callID)

	profile := device.Detect(start.Platform, start.UserAgent, device.Capabilities{
		SpeechRecognition: start.Capabilities.SpeechRecognition,
		MediaDevices:      start.Capabilities.MediaDevices,
		MediaRecorder:     start.Capabilities.MediaRecorder,
	})

	stream := newWSStream(writer, start.MIMETypes)

	p, err := pipeline.New(pipeline.Config{
		Profile:     profile,
		Source:      &wsSource{stream: stream, supported: profile.HasMediaDevicesSupport},
		Permissions: &wsPerms{status: pipeline.PermissionStatus(start.Permission)},
		Engine:      a.engine,
		Transcriber: a.transcriberFor(profile),
		Callbacks: pipeline.Callbacks{
			OnTranscription: func(text string, source stt.Source) {
				_ = writer.send(serverMessage{Type: msgTranscription, Text: text, Source: string(source)})
			},
			OnInterruption: func() {
				_ = writer.send(serverMessage{Type: msgInterruption})
			},
			OnError: func(err error) {
				_ = writer.send(serverMessage{Type: msgError, Message: err.Error()})
			},
		},
		Logger:        logger,
		Metrics:       a.metrics,
		FlushInterval: a.cfg.Load().Pipeline.FlushInterval.Std(),
		Thresholds:    a.gateThresholds(profile),
		MonitorConfig: a.monitorConfig(profile),
		ResumeDelay:   a.cfg.Load().Echo.ResumeDelay.Std(),
	})
	if err != nil {
		logger.Error("call pipeline construction failed", "err", err)
		_ = writer.send(serverMessage{Type: msgError, Message: "internal error"})
		return
	}

	if err := p.Initialize(ctx); err != nil {
		logger.Warn("call initialization failed", "err", err)
		_ = writer.send(serverMessage{Type: msgError, Message: err.Error()})
		conn.Close(websocket.StatusNormalClosure, "initialization failed")
		return
	}

	call := &Call{
		Info: CallInfo{
			CallID:    callID,
			StartedAt: time.Now(),
			Platform:  start.Platform,
			Mode:      p.Mode(),
		},
		Profile:  profile,
		Pipeline: p,
	}
	if err := a.calls.Register(call); err != nil {
		logger.Warn("call registration failed", "err", err)
		p.Cleanup()
		_ = writer.send(serverMessage{Type: msgError, Message: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "duplicate call id")
		return
	}
	defer a.calls.End(callID)

	_ = writer.send(serverMessage{Type: msgReady, CallID: callID, Mode: string(p.Mode())})

	a.readLoop(ctx, conn, stream, p, writer, logger)

	_ = writer.send(serverMessage{Type: msgEnded})
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// readStart waits for the mandatory start message.
func readStart(ctx context.Context, conn *websocket.Conn) (*clientMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: read start message: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("app: first message must be a start message")
	}

	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("app: parse start message: %w", err)
	}
	if m.Type != msgStart {
		return nil, fmt.Errorf("app: first message type %q, want %q", m.Type, msgStart)
	}
	return &m, nil
}

// readLoop routes client messages for the lifetime of the call. Binary
// frames are audio chunks; text frames are control messages.
func (a *App) readLoop(ctx context.Context, conn *websocket.Conn, stream *wsStream, p *pipeline.Pipeline, writer *wsWriter, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("call socket closed", "err", err)
			return
		}

		if typ == websocket.MessageBinary {
			stream.deliverChunk(data)
			continue
		}

		var m clientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Debug("unparseable client message dropped", "err", err)
			continue
		}

		switch m.Type {
		case msgEnergy:
			stream.deliverEnergy(m.PCM)
		case msgTTS:
			if m.Active {
				p.PauseForTTS()
			} else {
				p.ResumeAfterTTS()
			}
		case msgStatus:
			_ = writer.send(statusMessage(p))
		case msgStop:
			return
		default:
			logger.Debug("unknown client message dropped", "type", m.Type)
		}
	}
}

// statusMessage builds a status reply from the pipeline's current state.
func statusMessage(p *pipeline.Pipeline) serverMessage {
	st := p.Status()
	snap := p.Stats()
	return serverMessage{
		Type:  msgStatus,
		State: string(st.State),
		Mode:  string(st.Mode),
		Stats: &statusStats{
			Transcripts:     snap.Transcripts,
			Interruptions:   snap.Interruptions,
			Errors:          snap.Errors,
			FlushesAccepted: snap.FlushesAccepted,
			FlushesRejected: snap.FlushesRejected,
			STTP50MS:        snap.STT.P50.Milliseconds(),
			STTP95MS:        snap.STT.P95.Milliseconds(),
		},
	}
}

// newCallID generates a random call identifier.
func newCallID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("call-%d", time.Now().UnixNano())
	}
	return "call-" + hex.EncodeToString(b[:])
}
