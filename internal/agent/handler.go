package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/pagesmith/internal/config"
	"github.com/ashureev/pagesmith/internal/domain"
	"github.com/ashureev/pagesmith/internal/identity"
	"github.com/ashureev/pagesmith/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// MessageRequest is the body of POST /api/sessions/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// wsMessage is a client frame on the session WebSocket.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Handler serves turn streams over SSE and WebSocket.
type Handler struct {
	orch          *Orchestrator
	hub           *Hub
	limiter       *RateLimiter
	log           ConversationLogger
	sse           config.SSEConfig
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a handler. A nil conversation logger discards events.
func NewHandler(orch *Orchestrator, hub *Hub, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	sse := config.SSEConfig{
		RetryDelay:         5 * time.Second,
		KeepaliveInterval:  10 * time.Second,
		MaxRequestBodySize: defaultMaxRequestBodySize,
	}
	rps, burst := 0.5, 5
	h := &Handler{orch: orch, hub: hub, log: conversationLogger, isDev: true}
	if cfg != nil {
		sse = cfg.SSE
		rps, burst = cfg.RateLimit.RPS, cfg.RateLimit.Burst
		h.allowedOrigin = cfg.FrontendURL
		h.isDev = cfg.IsDevelopment()
	}
	h.sse = sse
	h.limiter = NewRateLimiter(rps, burst)
	return h
}

// RegisterRoutes registers the streaming routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/sessions/{id}/messages", h.HandleMessage)
	r.Post("/api/sessions/{id}/retry", h.HandleRetry)
	r.Get("/api/sessions/{id}/events", h.HandleEvents)
	r.Get("/ws/sessions/{id}", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.limiter.Close()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

// StatusFor maps orchestrator errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidStage), errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Warn("failed to write error response", "error", err)
	}
}

func writeTurnError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("turn pre-flight failed", "error", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// HandleMessage handles POST /api/sessions/{id}/messages and streams the
// turn as server-sent events.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.limiter.Allow(ownerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBody := h.sse.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.orch.Turn(r.Context(), TurnRequest{SessionID: sessionID, OwnerID: ownerID, Message: req.Message})
	if err != nil {
		writeTurnError(w, err)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("[SSE] turn request", "owner_id", ownerID, "session_id", sessionID, "message_length", len(req.Message))
	h.logEvent(ownerID, sessionID, "sse", "outbound", "turn_user_message", req.Message, map[string]any{"request_id": reqID})
	h.streamSSE(w, r, ownerID, sessionID, turn, reqID)
}

// HandleRetry handles POST /api/sessions/{id}/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.limiter.Allow(ownerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	turn, err := h.orch.Retry(r.Context(), sessionID, ownerID)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("[SSE] retry request", "owner_id", ownerID, "session_id", sessionID)
	h.streamSSE(w, r, ownerID, sessionID, turn, reqID)
}

func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, ownerID, sessionID string, turn iter.Seq[domain.PartialResponse], reqID string) {
	em, err := NewSSEEmitter(w, h.hub, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if h.hub != nil {
		h.hub.BeginTurn(sessionID)
	}
	if err := em.Retry(h.sse.RetryDelay); err != nil {
		slog.Warn("[SSE] failed to write retry header", "error", err, "session_id", sessionID)
		return
	}

	var last domain.PartialResponse
	n, err := Stream(r.Context(), tap(turn, &last), em)
	if err != nil {
		slog.Info("[SSE] consumer went away", "session_id", sessionID, "frames", n, "error", err)
	}
	h.logAssistant(ownerID, sessionID, "sse", last, n, err, reqID)
}

// tap records the last snapshot that passed through.
func tap(turn iter.Seq[domain.PartialResponse], last *domain.PartialResponse) iter.Seq[domain.PartialResponse] {
	return func(yield func(domain.PartialResponse) bool) {
		for snap := range turn {
			*last = snap
			if !yield(snap) {
				return
			}
		}
	}
}

func (h *Handler) logEvent(ownerID, sessionID, channel, direction, eventType, content string, meta map[string]any) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		OwnerID:    ownerID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

func (h *Handler) logAssistant(ownerID, sessionID, channel string, last domain.PartialResponse, frames int, streamErr error, reqID string) {
	meta := map[string]any{
		"frames":     frames,
		"partial":    streamErr != nil,
		"request_id": reqID,
	}
	if streamErr != nil {
		meta["stream_error"] = streamErr.Error()
	}
	if st := last.SystemState; st != nil {
		meta["intent"] = st.Intent
		meta["progress"] = st.Progress
		meta["done"] = st.Done
	}
	if len(last.Files) > 0 {
		meta["files"] = len(last.Files)
	}
	h.logEvent(ownerID, sessionID, channel, "inbound", "turn_assistant_message", last.Reply(), meta)
}

// HandleEvents handles GET /api/sessions/{id}/events. It replays the
// frames of the latest turn after Last-Event-ID and then follows new
// frames, with keepalive pings.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := h.orch.Session(r.Context(), sessionID, ownerID); err != nil {
		writeTurnError(w, err)
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusNotFound, "event replay disabled")
		return
	}

	// Parse Last-Event-ID header or query param for replay
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("[SSE] client reconnecting with Last-Event-ID", "session_id", sessionID, "last_event_id", lastEventID)
		}
	}

	em, err := NewSSEEmitter(w, nil, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := em.Retry(h.sse.RetryDelay); err != nil {
		slog.Warn("[SSE] failed to write retry header", "error", err, "session_id", sessionID)
		return
	}

	// Follow before replaying so no frame falls between the two.
	frames, unfollow := h.hub.Follow(sessionID)
	defer unfollow()

	sent := lastEventID
	if lastEventID > 0 {
		missed := h.hub.Since(sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("[SSE] sending missed frames", "session_id", sessionID, "count", len(missed))
		}
		for _, f := range missed {
			if err := em.WriteFrame(f); err != nil {
				return
			}
			sent = f.ID
		}
	}

	connectedID := h.hub.NextID()
	connected, _ := json.Marshal(map[string]any{"status": "connected", "session_id": sessionID, "event_id": connectedID})
	if err := em.write(connectedID, EventConnected, connected); err != nil {
		slog.Warn("[SSE] failed to write connected event", "error", err, "session_id", sessionID)
		return
	}
	slog.Info("[SSE] follower connected", "owner_id", ownerID, "session_id", sessionID, "reconnect", lastEventID > 0)

	keepaliveInterval := h.sse.KeepaliveInterval
	if keepaliveInterval <= 0 {
		keepaliveInterval = 10 * time.Second
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("[SSE] follower disconnected", "session_id", sessionID)
			return
		case f, ok := <-frames:
			if !ok {
				slog.Info("[SSE] follower dropped", "session_id", sessionID)
				return
			}
			if f.ID <= sent {
				continue
			}
			if err := em.WriteFrame(f); err != nil {
				slog.Warn("[SSE] failed to write frame", "error", err, "session_id", sessionID)
				return
			}
			sent = f.ID
		case <-keepalive.C:
			if err := em.Ping(); err != nil {
				slog.Warn("[SSE] failed to write keepalive ping", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}

// HandleWebSocket handles GET /ws/sessions/{id}. Each client message runs
// one turn; a message that arrives while a turn streams is rejected with a
// busy error.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := h.orch.Session(r.Context(), sessionID, ownerID); err != nil {
		writeTurnError(w, err)
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("[WS] failed to accept", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("[WS] failed to close", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	em := NewWSEmitter(ws, h.hub, sessionID)
	slog.Info("[WS] connected", "owner_id", ownerID, "session_id", sessionID)

	// busy is set by the reader when it hands over a message and cleared
	// once the turn has yielded its last snapshot, before the done frame.
	var busy atomic.Bool
	inbox := make(chan wsMessage)
	go func() {
		defer cancel()
		defer close(inbox)
		h.readLoop(ctx, ws, em, inbox, &busy, sessionID)
	}()

	for msg := range inbox {
		var turn iter.Seq[domain.PartialResponse]
		var err error
		switch msg.Type {
		case "message":
			h.logEvent(ownerID, sessionID, "ws", "outbound", "turn_user_message", msg.Content, nil)
			turn, err = h.orch.Turn(ctx, TurnRequest{SessionID: sessionID, OwnerID: ownerID, Message: msg.Content})
		case "retry":
			turn, err = h.orch.Retry(ctx, sessionID, ownerID)
		}
		if err != nil {
			busy.Store(false)
			if werr := em.WriteJSON(ctx, Envelope{Type: EventError, Error: err.Error()}); werr != nil {
				return
			}
			continue
		}
		if h.hub != nil {
			h.hub.BeginTurn(sessionID)
		}
		var last domain.PartialResponse
		n, err := Stream(ctx, release(tap(turn, &last), &busy), em)
		h.logAssistant(ownerID, sessionID, "ws", last, n, err, "")
		if err != nil {
			slog.Info("[WS] consumer went away", "session_id", sessionID, "frames", n, "error", err)
			return
		}
	}
	slog.Info("[WS] disconnected", "session_id", sessionID)
}

// readLoop keeps reading while a turn streams so close frames and pings
// are handled promptly.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, em *WSEmitter, inbox chan<- wsMessage, busy *atomic.Bool, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("[WS] closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("[WS] read error", "error", err, "session_id", sessionID)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = em.WriteJSON(ctx, Envelope{Type: EventError, Error: "invalid message"})
			continue
		}
		switch msg.Type {
		case "ping":
			if err := em.WriteJSON(ctx, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("[WS] failed to send pong", "error", err)
			}
		case "message", "retry":
			if !busy.CompareAndSwap(false, true) {
				_ = em.WriteJSON(ctx, Envelope{Type: EventError, Error: ErrSessionBusy.Error()})
				continue
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		default:
			_ = em.WriteJSON(ctx, Envelope{Type: EventError, Error: "unknown message type"})
		}
	}
}

// release clears busy once turn is exhausted or abandoned.
func release(turn iter.Seq[domain.PartialResponse], busy *atomic.Bool) iter.Seq[domain.PartialResponse] {
	return func(yield func(domain.PartialResponse) bool) {
		defer busy.Store(false)
		for snap := range turn {
			if !yield(snap) {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("[WS] origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
