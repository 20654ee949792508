package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/clawsuite/clawsuite/internal/config"
)

// EventSink receives gateway events for re-broadcast to browser clients.
// *ws.Hub satisfies this.
type EventSink interface {
	Broadcast(payload []byte)
}

// StreamConnection owns one gateway socket for the life of the process. It
// performs the connect handshake once, exposes Request and listener
// registration, and forwards every gateway event to the sink. When the
// socket dies, pending requests fail and Done closes; reconnecting is the
// caller's decision, not this layer's.
type StreamConnection struct {
	conn *Conn
}

type sinkEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       *int64          `json:"seq,omitempty"`
}

// NewStreamConnection dials the gateway and wires event forwarding. A nil
// sink is fine; events still reach listeners registered via On/OnEvent/OnOther.
func NewStreamConnection(ctx context.Context, cfg config.GatewayConfig, sink EventSink) (*StreamConnection, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sc := &StreamConnection{conn: conn}
	if sink != nil {
		conn.OnEvent(func(frame Frame) {
			sc.forward(sink, frame)
		})
	}
	return sc, nil
}

func (sc *StreamConnection) forward(sink EventSink, frame Frame) {
	payload, err := json.Marshal(sinkEvent{
		Type:      "gateway_event",
		Event:     frame.Event,
		Timestamp: time.Now().UTC(),
		Payload:   frame.EventPayload(),
		Seq:       frame.Seq,
	})
	if err != nil {
		log.Printf("[gateway] Marshal error forwarding %s event: %v", frame.Event, err)
		return
	}
	sink.Broadcast(payload)
}

// Request forwards to the underlying connection.
func (sc *StreamConnection) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return sc.conn.Request(ctx, method, params)
}

// On registers a named event listener on the underlying connection.
func (sc *StreamConnection) On(event string, fn Listener) {
	sc.conn.On(event, fn)
}

// OnOther registers a listener for non-core events.
func (sc *StreamConnection) OnOther(fn OtherListener) {
	sc.conn.OnOther(fn)
}

// Hello returns the connect response payload.
func (sc *StreamConnection) Hello() json.RawMessage {
	return sc.conn.Hello()
}

// Done is closed once the gateway socket has shut down.
func (sc *StreamConnection) Done() <-chan struct{} {
	return sc.conn.Done()
}

// Close tears down the gateway socket.
func (sc *StreamConnection) Close() error {
	return sc.conn.Close()
}
