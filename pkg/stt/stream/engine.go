// Package stream implements the streaming recognition strategy. It wraps
// a continuous recognition engine session — the platform's native speech
// recognizer, reached over a WebSocket bridge — and normalizes its
// restart/retry behavior behind the [Strategy] lifecycle.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// EventType classifies an engine event.
type EventType string

const (
	// EventResult carries a recognition hypothesis.
	EventResult EventType = "result"

	// EventError carries an engine error code.
	EventError EventType = "error"

	// EventEnd marks the engine session ending on its own.
	EventEnd EventType = "end"
)

// Engine error codes the strategy treats as retriable. Anything else is a
// hard failure, except "aborted" which is the benign echo of our own stop.
const (
	codeAborted      = "aborted"
	codeNetwork      = "network"
	codeAudioCapture = "audio-capture"
	codeNotAllowed   = "not-allowed"
)

// Event is one message from a recognition engine session.
type Event struct {
	Type    EventType
	Text    string
	IsFinal bool
	Code    string
	Message string
}

// Session is one live engine session. Events delivers messages until the
// session ends, then is closed. Close is safe to call repeatedly.
type Session interface {
	Events() <-chan Event
	Close() error
}

// Engine opens recognition sessions. The production implementation is
// [WSEngine]; tests substitute their own.
type Engine interface {
	Open(ctx context.Context) (Session, error)
}

// WSEngine dials a recognition engine over WebSocket. The engine speaks a
// small JSON protocol: result, error and end messages.
type WSEngine struct {
	endpoint string
	language string
	interim  bool
}

// WSOption configures a [WSEngine].
type WSOption func(*WSEngine)

// WithLanguage sets the BCP-47 recognition language. Defaults to "ru-RU".
func WithLanguage(language string) WSOption {
	return func(e *WSEngine) {
		e.language = language
	}
}

// WithInterimResults requests interim hypotheses from the engine.
func WithInterimResults(interim bool) WSOption {
	return func(e *WSEngine) {
		e.interim = interim
	}
}

// NewWSEngine creates an engine client for the given WebSocket endpoint.
func NewWSEngine(endpoint string, opts ...WSOption) (*WSEngine, error) {
	if endpoint == "" {
		return nil, errors.New("stream: endpoint must not be empty")
	}
	e := &WSEngine{
		endpoint: endpoint,
		language: "ru-RU",
		interim:  true,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Open implements [Engine]. It dials the engine and starts the read loop.
func (e *WSEngine) Open(ctx context.Context) (Session, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return nil, fmt.Errorf("stream: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("language", e.language)
	if e.interim {
		q.Set("interim_results", "true")
	}
	q.Set("continuous", "true")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial engine: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(ctx)
	return s, nil
}

// engineMessage is the wire format of one engine message.
type engineMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type wsSession struct {
	conn   *websocket.Conn
	events chan Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Events returns the channel of engine events. Closed when the session
// ends.
func (s *wsSession) Events() <-chan Event { return s.events }

// Close terminates the session cleanly.
func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"stop"}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// readLoop receives JSON messages from the engine and dispatches them as
// events. Exits, closing the events channel, on any read error.
func (s *wsSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		ev, ok := parseEngineMessage(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// parseEngineMessage parses a raw engine message into an Event. Returns
// (zero, false) for messages that should be ignored.
func parseEngineMessage(data []byte) (Event, bool) {
	var m engineMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{}, false
	}
	switch m.Type {
	case string(EventResult), string(EventError), string(EventEnd):
	default:
		return Event{}, false
	}
	return Event{
		Type:    EventType(m.Type),
		Text:    m.Text,
		IsFinal: m.IsFinal,
		Code:    m.Code,
		Message: m.Message,
	}, true
}
