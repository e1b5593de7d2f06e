package agent

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultReplaySize    = 256
	subscriberBufferSize = 64
)

// Frame is one framed event as written to a stream.
type Frame struct {
	ID        int64
	Event     string
	Data      []byte
	SessionID string
	Timestamp time.Time
}

// subscriber follows the live frames of one session.
type subscriber struct {
	id     int64
	frames chan Frame
	closed bool
}

// Hub numbers frames, keeps the frames of each session's latest turn for
// replay, and fans them out to followers. Queues are bounded per session so
// one session's burst cannot evict another's frames.
type Hub struct {
	mu      sync.Mutex
	queues  map[string]*list.List
	subs    map[string]map[int64]*subscriber
	maxSize int
	eventID int64
	subID   int64
}

// NewHub returns a hub keeping at most maxSize frames per session.
func NewHub(maxSize int) *Hub {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &Hub{
		queues:  make(map[string]*list.List),
		subs:    make(map[string]map[int64]*subscriber),
		maxSize: maxSize,
	}
}

// BeginTurn drops the replay frames of the previous turn.
func (h *Hub) BeginTurn(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, sessionID)
}

// Publish assigns the next event id, queues the frame for replay and
// delivers it to followers. A follower that cannot keep up is dropped; it
// reconnects with Last-Event-ID and replays.
func (h *Hub) Publish(sessionID, event string, data []byte) Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventID++
	f := Frame{ID: h.eventID, Event: event, Data: data, SessionID: sessionID, Timestamp: time.Now()}

	l, ok := h.queues[sessionID]
	if !ok {
		l = list.New()
		h.queues[sessionID] = l
	}
	l.PushBack(f)
	for l.Len() > h.maxSize {
		l.Remove(l.Front())
	}

	for id, sub := range h.subs[sessionID] {
		select {
		case sub.frames <- f:
		default:
			slog.Warn("[BROADCAST] follower lagging, dropping", "session_id", sessionID, "subscriber", id)
			h.dropLocked(sessionID, id)
		}
	}
	return f
}

// NextID reserves an event id for a frame that is not replayed, such as a
// connection notice.
func (h *Hub) NextID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventID++
	return h.eventID
}

// Since returns the queued frames of a session with an id after afterID.
func (h *Hub) Since(sessionID string, afterID int64) []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []Frame
	for e := l.Front(); e != nil; e = e.Next() {
		f := e.Value.(Frame)
		if f.ID > afterID {
			missed = append(missed, f)
		}
	}
	return missed
}

// Follow subscribes to the live frames of a session. The returned channel
// is closed by the cancel func or when the follower lags.
func (h *Hub) Follow(sessionID string) (<-chan Frame, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subID++
	sub := &subscriber{id: h.subID, frames: make(chan Frame, subscriberBufferSize)}
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[int64]*subscriber)
	}
	h.subs[sessionID][sub.id] = sub

	return sub.frames, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dropLocked(sessionID, sub.id)
	}
}

// Followers returns the number of live followers of a session.
func (h *Hub) Followers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Forget releases everything held for a session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, sessionID)
	for id := range h.subs[sessionID] {
		h.dropLocked(sessionID, id)
	}
}

func (h *Hub) dropLocked(sessionID string, id int64) {
	subs, ok := h.subs[sessionID]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	if !sub.closed {
		close(sub.frames)
		sub.closed = true
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subs, sessionID)
	}
}
