package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/clawsuite/clawsuite/internal/config"
	"github.com/clawsuite/clawsuite/internal/gateway"
	"github.com/clawsuite/clawsuite/internal/metrics"
	"github.com/clawsuite/clawsuite/internal/store"
)

// SessionValidator checks the presented session token before any gateway
// socket is opened. *store.SessionStore satisfies this.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*store.Session, error)
}

type StreamRequest struct {
	SessionKey  string            `json:"sessionKey,omitempty"`
	FriendlyID  string            `json:"friendlyId,omitempty"`
	Message     string            `json:"message"`
	Thinking    string            `json:"thinking,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

// StreamHandler bridges one POST /api/stream request to a fresh gateway
// socket: handshake, exactly one chat.send, then gateway chat events
// translated to SSE until complete, error, timeout, or client abort. The
// gateway socket is closed on every exit path.
type StreamHandler struct {
	Sessions SessionValidator

	// WallTimeout bounds the whole stream; zero means the configured
	// default of 125s.
	WallTimeout time.Duration
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if h.Sessions == nil {
		sendJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "session auth unavailable"})
		return
	}

	// Auth comes first: no gateway socket is opened for anonymous callers.
	token := sessionTokenFromRequest(r)
	if token == "" {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing session token"})
		return
	}
	if _, err := h.Sessions.Validate(r.Context(), token); err != nil {
		sendJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid session token"})
		return
	}

	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: "missing message"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	cfg := config.GatewayConfigFromEnv()
	wall := h.WallTimeout
	if wall <= 0 {
		wall = cfg.StreamWallTimeout
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := newSSEWriter(w, flusher)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	ctx := r.Context()
	conn, err := gateway.Dial(ctx, cfg)
	if err != nil {
		out.terminal("error", map[string]string{"message": err.Error()})
		return
	}
	defer func() {
		// No SSE writes may outlive this handler, and the gateway socket
		// dies with the stream, client abort included.
		out.markClosed()
		_ = conn.Close()
	}()

	out.send("connected", map[string]bool{"ok": true})

	state := &streamState{}
	conn.OnEvent(func(frame gateway.Frame) {
		translateEvent(out, state, frame)
	})

	idempotencyKey := uuid.NewString()
	params := map[string]any{
		"message":        req.Message,
		"stream":         true,
		"timeoutMs":      cfg.ChatTimeout.Milliseconds(),
		"idempotencyKey": idempotencyKey,
	}
	if key := strings.TrimSpace(req.SessionKey); key != "" {
		params["sessionKey"] = key
	}
	if friendly := strings.TrimSpace(req.FriendlyID); friendly != "" {
		params["friendlyId"] = friendly
	}
	if thinking := strings.TrimSpace(req.Thinking); thinking != "" {
		params["thinking"] = thinking
	}
	if len(req.Attachments) > 0 {
		params["attachments"] = req.Attachments
	}

	out.send("started", map[string]string{"idempotencyKey": idempotencyKey})

	type chatResult struct {
		payload json.RawMessage
		err     error
	}
	respCh := make(chan chatResult, 1)
	go func() {
		payload, err := conn.Request(ctx, "chat.send", params)
		respCh <- chatResult{payload: payload, err: err}
	}()

	wallTimer := time.NewTimer(wall)
	defer wallTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wallTimer.C:
			metrics.StreamTimeoutsTotal.Inc()
			out.terminal("timeout", map[string]string{"message": "stream timed out"})
			return
		case result := <-respCh:
			if result.err != nil {
				out.terminal("error", map[string]string{"message": result.err.Error()})
				return
			}
			if text := extractText(result.payload); text != "" && !state.sawChunks() {
				// Non-streaming gateway: the full reply came back on the
				// response. Synthesize streaming word by word.
				for _, token := range splitStreamTokens(text) {
					out.send("chunk", map[string]string{"text": token})
				}
				out.terminal("complete", map[string]string{"text": text})
				return
			}
			// Streaming gateway: completion arrives as a chat event.
			respCh = nil
		case <-out.done:
			return
		case <-conn.Done():
			out.terminal("error", map[string]string{"message": "gateway connection closed"})
			return
		}
	}
}

// streamState accumulates chunk text across listener callbacks.
type streamState struct {
	mu     sync.Mutex
	chunks bool
	full   strings.Builder
}

func (s *streamState) recordChunk(text string) {
	s.mu.Lock()
	s.chunks = true
	s.full.WriteString(text)
	s.mu.Unlock()
}

func (s *streamState) sawChunks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *streamState) fullText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full.String()
}

func translateEvent(out *sseWriter, state *streamState, frame gateway.Frame) {
	payload := frame.EventPayload()

	switch frame.Event {
	case "chat.chunk", "chat.delta", "message.delta":
		text := extractText(payload)
		state.recordChunk(text)
		out.send("chunk", map[string]string{"text": text})
	case "chat.complete", "chat.done", "message.complete":
		text := extractText(payload)
		if text == "" {
			text = state.fullText()
		}
		out.terminal("complete", map[string]string{"text": text})
	case "chat.error", "message.error":
		message := extractErrorMessage(payload)
		out.terminal("error", map[string]string{"message": message})
	case "chat.thinking":
		out.send("thinking", json.RawMessage(orEmptyObject(payload)))
	case "chat.tool":
		out.send("tool", json.RawMessage(orEmptyObject(payload)))
	default:
		out.send("event", map[string]any{
			"event":   frame.Event,
			"payload": json.RawMessage(orEmptyObject(payload)),
		})
	}
}

func orEmptyObject(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}

func extractText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	for _, key := range []string{"text", "content", "delta", "message"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && value != "" {
			return value
		}
	}
	return ""
}

func extractErrorMessage(payload json.RawMessage) string {
	if message := extractText(payload); message != "" {
		return message
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return "chat failed"
}

// splitStreamTokens splits text into alternating word and whitespace runs,
// so "hello world" becomes ["hello", " ", "world"].
func splitStreamTokens(text string) []string {
	var tokens []string
	var current strings.Builder
	var currentIsSpace bool
	for _, r := range text {
		isSpace := unicode.IsSpace(r)
		if current.Len() > 0 && isSpace != currentIsSpace {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		currentIsSpace = isSpace
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// sseWriter serializes SSE frames. A terminal event (complete, error,
// timeout) is followed by close and then the writer goes quiet; both the
// main loop and gateway listeners can race to finish first, but only one
// wins.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	return &sseWriter{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

func (s *sseWriter) send(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(event, data)
}

func (s *sseWriter) terminal(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.write(event, data)
	s.write("close", map[string]any{})
	s.closed = true
	close(s.done)
}

func (s *sseWriter) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *sseWriter) write(event string, data any) {
	if s.closed {
		return
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	if _, err := s.w.Write([]byte("event: " + event + "\ndata: " + string(encoded) + "\n\n")); err != nil {
		return
	}
	s.flusher.Flush()
}
