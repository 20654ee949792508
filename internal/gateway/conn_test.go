package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/clawsuite/clawsuite/internal/config"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeGateway is an in-process gateway speaking the frame protocol. It
// accepts the connect handshake (unless rejectConnect is set) and hands
// every later frame to onFrame.
type fakeGateway struct {
	t             *testing.T
	server        *httptest.Server
	dials         int32
	rejectConnect string
	onFrame       func(gc *fakeGatewayConn, frame Frame)

	connectCh chan Frame
	connCh    chan *fakeGatewayConn
}

type fakeGatewayConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (gc *fakeGatewayConn) send(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	gc.mu.Lock()
	defer gc.mu.Unlock()
	require.NoError(t, gc.conn.WriteMessage(websocket.TextMessage, data))
}

func (gc *fakeGatewayConn) sendRaw(t *testing.T, raw string) {
	t.Helper()
	gc.mu.Lock()
	defer gc.mu.Unlock()
	require.NoError(t, gc.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (gc *fakeGatewayConn) close() {
	_ = gc.conn.Close()
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:         t,
		connectCh: make(chan Frame, 4),
		connCh:    make(chan *fakeGatewayConn, 4),
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&g.dials, 1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gc := &fakeGatewayConn{conn: conn}
		defer gc.close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(message, &frame); err != nil {
				continue
			}
			if frame.Method == "connect" {
				g.connectCh <- frame
				if g.rejectConnect != "" {
					no := false
					gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &no, Error: &FrameError{Message: g.rejectConnect}})
					continue
				}
				yes := true
				gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"protocol":3}`)})
				g.connCh <- gc
				continue
			}
			if g.onFrame != nil {
				g.onFrame(gc, frame)
			}
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) gatewayConfig() config.GatewayConfig {
	cfg := testGatewayConfig()
	cfg.URL = g.wsURL()
	return cfg
}

func (g *fakeGateway) dialCount() int32 {
	return atomic.LoadInt32(&g.dials)
}

func dialTestGateway(t *testing.T, g *fakeGateway) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, g.gatewayConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDialFailsFastWithoutCredentials(t *testing.T) {
	g := newFakeGateway(t)
	cfg := g.gatewayConfig()
	cfg.Token = ""
	cfg.Password = ""

	_, err := Dial(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNoCredentials)
	require.Equal(t, int32(0), g.dialCount(), "no socket should be opened without credentials")
}

func TestDialSendsConnectHandshakeFirst(t *testing.T) {
	g := newFakeGateway(t)
	conn := dialTestGateway(t, g)
	require.NotEmpty(t, conn.Hello())

	select {
	case frame := <-g.connectCh:
		require.Equal(t, FrameRequest, frame.Type)
		require.Equal(t, "connect", frame.Method)
		require.NotEmpty(t, frame.ID)

		var params connectParams
		require.NoError(t, json.Unmarshal(frame.Params, &params))
		require.Equal(t, 1, params.MinProtocol)
		require.Equal(t, 3, params.MaxProtocol)
		require.Equal(t, "clawsuite", params.Client.ID)
		require.Equal(t, "test-token", params.Auth.Token)
		require.NotEmpty(t, params.Client.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect frame")
	}
}

func TestDialSurfacesConnectRejection(t *testing.T) {
	g := newFakeGateway(t)
	g.rejectConnect = "invalid gateway token"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, g.gatewayConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid gateway token")
}

func TestRequestMatchesOutOfOrderResponses(t *testing.T) {
	g := newFakeGateway(t)

	var frameMu sync.Mutex
	var held []Frame
	g.onFrame = func(gc *fakeGatewayConn, frame Frame) {
		frameMu.Lock()
		held = append(held, frame)
		ready := len(held) == 2
		frames := append([]Frame(nil), held...)
		frameMu.Unlock()
		if !ready {
			return
		}
		// Answer in reverse arrival order.
		yes := true
		for i := len(frames) - 1; i >= 0; i-- {
			payload, _ := json.Marshal(map[string]string{"method": frames[i].Method})
			gc.send(t, Frame{Type: FrameResponse, ID: frames[i].ID, OK: &yes, Payload: payload})
		}
	}

	conn := dialTestGateway(t, g)

	type outcome struct {
		method  string
		payload json.RawMessage
		err     error
	}
	results := make(chan outcome, 2)
	for _, method := range []string{"sessions.list", "agents.list"} {
		go func(method string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			payload, err := conn.Request(ctx, method, nil)
			results <- outcome{method: method, payload: payload, err: err}
		}(method)
	}

	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			require.NoError(t, result.err)
			var decoded struct {
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(result.payload, &decoded))
			require.Equal(t, result.method, decoded.Method, "response must match its request id")
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for request results")
		}
	}
}

func TestRequestPropagatesErrorMessage(t *testing.T) {
	g := newFakeGateway(t)
	g.onFrame = func(gc *fakeGatewayConn, frame Frame) {
		no := false
		gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &no, Error: &FrameError{Message: "no such session"}})
	}

	conn := dialTestGateway(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.Request(ctx, "chat.send", map[string]string{"message": "hi"})
	require.Error(t, err)
	require.Equal(t, "no such session", err.Error())
}

func TestRequestSettlesExactlyOnce(t *testing.T) {
	g := newFakeGateway(t)
	g.onFrame = func(gc *fakeGatewayConn, frame Frame) {
		yes := true
		// Duplicate responses for the same id; the second must be ignored.
		gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"n":1}`)})
		gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"n":2}`)})
	}

	conn := dialTestGateway(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := conn.Request(ctx, "health", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(payload))

	// Connection still usable after the duplicate.
	payload, err = conn.Request(ctx, "health", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(payload))
}

func TestChatEventFiresNamedAndCatchAllButNotOther(t *testing.T) {
	g := newFakeGateway(t)
	conn := dialTestGateway(t, g)

	chatCh := make(chan json.RawMessage, 2)
	eventCh := make(chan Frame, 2)
	otherCh := make(chan string, 2)

	conn.On("chat", func(payload json.RawMessage) { chatCh <- payload })
	conn.OnEvent(func(frame Frame) { eventCh <- frame })
	conn.OnOther(func(event string, payload json.RawMessage) { otherCh <- event })

	gc := <-g.connCh
	gc.send(t, Frame{Type: FrameEvent, Event: "chat", Payload: json.RawMessage(`{"text":"hi"}`)})

	select {
	case payload := <-chatCh:
		require.JSONEq(t, `{"text":"hi"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat listener")
	}

	select {
	case frame := <-eventCh:
		require.Equal(t, "chat", frame.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for catch-all listener")
	}

	select {
	case event := <-otherCh:
		t.Fatalf("other listener must not fire for chat, got %q", event)
	case <-time.After(200 * time.Millisecond):
	}

	require.Empty(t, chatCh, "chat listener must fire exactly once")
	require.Empty(t, eventCh, "catch-all listener must fire exactly once")
}

func TestNonCoreEventReachesOtherListeners(t *testing.T) {
	g := newFakeGateway(t)
	conn := dialTestGateway(t, g)

	otherCh := make(chan string, 1)
	conn.OnOther(func(event string, payload json.RawMessage) { otherCh <- event })

	gc := <-g.connCh
	gc.send(t, Frame{Type: FrameEventLegacy, Event: "health", PayloadJSON: `{"ok":true}`})

	select {
	case event := <-otherCh:
		require.Equal(t, "health", event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for other listener")
	}
}

func TestCloseRejectsAllPendingRequests(t *testing.T) {
	g := newFakeGateway(t)

	var seen int32
	g.onFrame = func(gc *fakeGatewayConn, frame Frame) {
		if atomic.AddInt32(&seen, 1) == 2 {
			gc.close()
		}
	}

	conn := dialTestGateway(t, g)

	errs := make(chan error, 2)
	for _, method := range []string{"sessions.list", "agents.list"} {
		go func(method string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := conn.Request(ctx, method, nil)
			errs <- err
		}(method)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pending requests to fail")
		}
	}
}

func TestRequestAfterCloseFailsImmediately(t *testing.T) {
	g := newFakeGateway(t)
	conn := dialTestGateway(t, g)
	require.NoError(t, conn.Close())

	_, err := conn.Request(context.Background(), "health", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestContextCancellationAbandonsWaitAndIgnoresLateResponse(t *testing.T) {
	g := newFakeGateway(t)

	frames := make(chan Frame, 2)
	yes := true
	g.onFrame = func(gc *fakeGatewayConn, frame Frame) {
		if frame.Method == "slow.call" {
			frames <- frame
			return
		}
		gc.send(t, Frame{Type: FrameResponse, ID: frame.ID, OK: &yes, Payload: json.RawMessage(`{"ok":true}`)})
	}

	conn := dialTestGateway(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Request(ctx, "slow.call", nil)
		errCh <- err
	}()

	var pending Frame
	select {
	case pending = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request frame")
	}

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled request")
	}

	// A late response for the abandoned id must be ignored without breaking
	// the read loop.
	gc := <-g.connCh
	gc.send(t, Frame{Type: FrameResponse, ID: pending.ID, OK: &yes, Payload: json.RawMessage(`{"late":true}`)})

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	payload, err := conn.Request(reqCtx, "health", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestUnparseableFrameIsDroppedWithoutKillingConnection(t *testing.T) {
	g := newFakeGateway(t)
	conn := dialTestGateway(t, g)

	chatCh := make(chan json.RawMessage, 1)
	conn.On("chat", func(payload json.RawMessage) { chatCh <- payload })

	gc := <-g.connCh
	gc.sendRaw(t, `{"type":"evt","event":`)
	gc.send(t, Frame{Type: FrameEvent, Event: "chat", Payload: json.RawMessage(`{"text":"still here"}`)})

	select {
	case payload := <-chatCh:
		require.JSONEq(t, `{"text":"still here"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after bad frame")
	}
}
