package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawsuite/clawsuite/internal/config"
	"github.com/clawsuite/clawsuite/internal/metrics"
)

var ErrConnectionClosed = errors.New("gateway connection closed")

const connectTimeout = 10 * time.Second

// coreEvents are the named channels the UI consumes directly. Everything
// outside this set also fans out to "other" listeners.
var coreEvents = map[string]bool{
	"agent": true,
	"chat":  true,
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// Listener receives the decoded payload for one named event.
type Listener func(payload json.RawMessage)

// FrameListener receives every event frame, whatever its name.
type FrameListener func(frame Frame)

// OtherListener receives events whose name falls outside the core set.
type OtherListener func(event string, payload json.RawMessage)

// Conn is one WebSocket connection to the OpenClaw gateway: connect
// handshake, request/response correlation by id, and event fan-out. There is
// no queueing, retry, or reconnect at this layer; when the socket dies every
// pending request fails with ErrConnectionClosed and the Conn is finished.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan requestResult

	listenerMu sync.RWMutex
	named      map[string][]Listener
	catchAll   []FrameListener
	other      []OtherListener

	closeOnce sync.Once
	done      chan struct{}

	hello json.RawMessage
}

// Dial opens a socket to the configured gateway and performs the connect
// handshake. The handshake params are built first so missing credentials
// fail before any dial. A rejected connect tears the socket down and returns
// the gateway's error.
func Dial(ctx context.Context, cfg config.GatewayConfig) (*Conn, error) {
	params, err := buildConnectParams(cfg)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", cfg.URL, err)
	}

	c := &Conn{
		ws:      ws,
		pending: make(map[string]chan requestResult),
		named:   make(map[string][]Listener),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	connectCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	hello, err := c.Request(connectCtx, "connect", params)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	c.hello = hello

	return c, nil
}

// Hello returns the payload of the connect response.
func (c *Conn) Hello() json.RawMessage {
	return c.hello
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears down the socket and fails every pending request. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Request writes a req frame and parks until the matching res arrives, the
// context ends, or the socket dies. Each call gets a fresh UUID id, so
// multiple requests may be in flight at once and responses may arrive out of
// order. Params pass through verbatim; an idempotencyKey inside them is the
// gateway's business, not ours.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	frame, err := NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan requestResult, 1)
	c.pendingMu.Lock()
	c.pending[frame.ID] = resultCh
	c.pendingMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.removePending(frame.ID)
		metrics.GatewayRequestsTotal.WithLabelValues(method, "closed").Inc()
		return nil, err
	}

	select {
	case <-ctx.Done():
		// Abandon the wait; a late res for this id will find no entry.
		c.removePending(frame.ID)
		metrics.GatewayRequestsTotal.WithLabelValues(method, "canceled").Inc()
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			outcome := "error"
			if errors.Is(result.err, ErrConnectionClosed) {
				outcome = "closed"
			}
			metrics.GatewayRequestsTotal.WithLabelValues(method, outcome).Inc()
			return nil, result.err
		}
		metrics.GatewayRequestsTotal.WithLabelValues(method, "ok").Inc()
		return result.payload, nil
	}
}

// On registers a listener for one named event.
func (c *Conn) On(event string, fn Listener) {
	event = strings.TrimSpace(event)
	if event == "" || fn == nil {
		return
	}
	c.listenerMu.Lock()
	c.named[event] = append(c.named[event], fn)
	c.listenerMu.Unlock()
}

// OnEvent registers a catch-all listener that sees every event frame.
func (c *Conn) OnEvent(fn FrameListener) {
	if fn == nil {
		return
	}
	c.listenerMu.Lock()
	c.catchAll = append(c.catchAll, fn)
	c.listenerMu.Unlock()
}

// OnOther registers a listener for events outside the core agent/chat set.
func (c *Conn) OnOther(fn OtherListener) {
	if fn == nil {
		return
	}
	c.listenerMu.Lock()
	c.other = append(c.other, fn)
	c.listenerMu.Unlock()
}

func (c *Conn) writeFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					log.Printf("[gateway] Read error: %v", err)
				}
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			// Drop the frame, keep the connection.
			log.Printf("[gateway] Dropping unparseable frame: %v", err)
			metrics.DroppedFramesTotal.Inc()
			continue
		}

		switch {
		case frame.IsResponse():
			c.resolvePending(frame)
		case frame.IsEvent():
			c.dispatchEvent(frame)
		}
	}
}

func (c *Conn) resolvePending(frame Frame) {
	id := strings.TrimSpace(frame.ID)
	if id == "" {
		return
	}

	c.pendingMu.Lock()
	resultCh, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Late response for a canceled or already settled request.
		return
	}

	result := requestResult{payload: append(json.RawMessage(nil), frame.Payload...)}
	if !frame.Succeeded() {
		message := frame.ErrorMessage()
		if message == "" {
			message = "gateway request failed"
		}
		result.err = errors.New(message)
	}

	select {
	case resultCh <- result:
	default:
	}
}

func (c *Conn) dispatchEvent(frame Frame) {
	name := strings.TrimSpace(frame.Event)
	if name == "" {
		metrics.DroppedFramesTotal.Inc()
		return
	}
	metrics.GatewayEventsTotal.WithLabelValues(name).Inc()

	payload := frame.EventPayload()

	c.listenerMu.RLock()
	named := append([]Listener(nil), c.named[name]...)
	catchAll := append([]FrameListener(nil), c.catchAll...)
	var other []OtherListener
	if !coreEvents[name] {
		other = append(other, c.other...)
	}
	c.listenerMu.RUnlock()

	for _, fn := range named {
		fn(payload)
	}
	for _, fn := range catchAll {
		fn(frame)
	}
	for _, fn := range other {
		fn(name, payload)
	}
}

func (c *Conn) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.failPending(ErrConnectionClosed)
	})
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan requestResult)
	c.pendingMu.Unlock()

	for _, resultCh := range pending {
		select {
		case resultCh <- requestResult{err: err}:
		default:
		}
	}
}
