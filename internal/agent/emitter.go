package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/pagesmith/internal/domain"
)

// Envelope and stream event types.
const (
	EventAgentResponse = "agent_response"
	EventDone          = "done"
	EventError         = "error"
	EventConnected     = "connected"
	EventPing          = "ping"
)

// ErrStreamingUnsupported is returned when the writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Envelope is the wire shape of every emitted event.
type Envelope struct {
	Type  string                  `json:"type"`
	Data  *domain.PartialResponse `json:"data,omitempty"`
	Error string                  `json:"error,omitempty"`
}

// Emitter writes envelopes to one consumer. Emit blocks until the consumer
// transport accepted the frame.
type Emitter interface {
	Emit(ctx context.Context, env Envelope) error
}

// Stream drains a turn into em and ends it with the done sentinel. An emit
// failure stops the turn, which pauses the session.
func Stream(ctx context.Context, turn iter.Seq[domain.PartialResponse], em Emitter) (int, error) {
	n := 0
	for snap := range turn {
		if err := em.Emit(ctx, Envelope{Type: EventAgentResponse, Data: &snap}); err != nil {
			return n, err
		}
		n++
	}
	return n, em.Emit(ctx, Envelope{Type: EventDone})
}

// SSEEmitter frames envelopes as server-sent events. When a hub is set,
// every frame is numbered and kept for replay on /events.
type SSEEmitter struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	hub       *Hub
	sessionID string
}

// NewSSEEmitter writes the event-stream headers and returns an emitter.
func NewSSEEmitter(w http.ResponseWriter, hub *Hub, sessionID string) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEEmitter{w: w, flusher: flusher, hub: hub, sessionID: sessionID}, nil
}

// Retry sends the client reconnection delay.
func (e *SSEEmitter) Retry(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "retry: %d\n\n", d.Milliseconds()); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// Emit implements Emitter.
func (e *SSEEmitter) Emit(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if e.hub == nil {
		return e.write(0, env.Type, data)
	}
	f := e.hub.Publish(e.sessionID, env.Type, data)
	return e.WriteFrame(f)
}

// WriteFrame writes an already numbered frame.
func (e *SSEEmitter) WriteFrame(f Frame) error {
	return e.write(f.ID, f.Event, f.Data)
}

// Ping writes a keepalive event.
func (e *SSEEmitter) Ping() error {
	return e.write(0, EventPing, []byte(`{"status":"alive"}`))
}

func (e *SSEEmitter) write(id int64, event string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if id > 0 {
		err = writeSSEWithID(e.w, id, event, data)
	} else {
		err = writeSSE(e.w, event, data)
	}
	if err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// WSEmitter sends envelopes as WebSocket text frames.
type WSEmitter struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	hub          *Hub
	sessionID    string
	writeTimeout time.Duration
}

// NewWSEmitter wraps an accepted connection.
func NewWSEmitter(conn *websocket.Conn, hub *Hub, sessionID string) *WSEmitter {
	return &WSEmitter{conn: conn, hub: hub, sessionID: sessionID, writeTimeout: 10 * time.Second}
}

// Emit implements Emitter.
func (e *WSEmitter) Emit(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if e.hub != nil {
		e.hub.Publish(e.sessionID, env.Type, data)
	}
	return e.write(ctx, data)
}

// WriteJSON sends a control message that is not replayed.
func (e *WSEmitter) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.write(ctx, data)
}

func (e *WSEmitter) write(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	return e.conn.Write(wctx, websocket.MessageText, data)
}
