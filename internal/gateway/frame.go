package gateway

import (
	"encoding/json"
	"strings"
)

// Frame types on the gateway wire. Protocol v3 emits "evt" events; older
// gateways emit "event" frames with the payload double-encoded in
// payloadJSON.
const (
	FrameRequest     = "req"
	FrameResponse    = "res"
	FrameEvent       = "evt"
	FrameEventLegacy = "event"
)

// Frame is the tagged envelope exchanged with the OpenClaw gateway. One
// struct covers all three shapes; the Type field says which fields matter.
type Frame struct {
	Type string `json:"type"`

	// req / res
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// evt / event
	Event       string `json:"event,omitempty"`
	PayloadJSON string `json:"payloadJSON,omitempty"`
	Seq         *int64 `json:"seq,omitempty"`
}

// FrameError carries the gateway's failure detail on a res frame.
type FrameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (f Frame) IsResponse() bool {
	return f.Type == FrameResponse
}

func (f Frame) IsEvent() bool {
	return f.Type == FrameEvent || f.Type == FrameEventLegacy
}

// Succeeded reports whether a res frame carries ok:true. A missing ok field
// counts as success; gateways only omit it on success paths.
func (f Frame) Succeeded() bool {
	return f.OK == nil || *f.OK
}

// ErrorMessage returns the error detail from a failed res frame.
func (f Frame) ErrorMessage() string {
	if f.Error == nil {
		return ""
	}
	return strings.TrimSpace(f.Error.Message)
}

// EventPayload returns the event body, preferring the inline payload and
// falling back to the legacy payloadJSON string.
func (f Frame) EventPayload() json.RawMessage {
	if len(f.Payload) > 0 {
		return f.Payload
	}
	if f.PayloadJSON != "" {
		return json.RawMessage(f.PayloadJSON)
	}
	return nil
}

// NewRequest builds a req frame with marshaled params.
func NewRequest(id, method string, params any) (Frame, error) {
	frame := Frame{
		Type:   FrameRequest,
		ID:     id,
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, err
		}
		frame.Params = raw
	}
	return frame, nil
}
