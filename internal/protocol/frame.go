// Package protocol defines the wire frames exchanged with the gateway daemon.
// One JSON document per WebSocket message; the "type" field selects the
// concrete frame shape.
package protocol

import (
	"encoding/json"
	"fmt"

	"roost/internal/domain"
)

// FrameType identifies the kind of frame on the wire.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is one decoded wire message. Exactly one of Request, Response and
// Event implements it.
type Frame interface {
	frameType() FrameType
}

// Request is a client->server RPC call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (Request) frameType() FrameType { return FrameTypeRequest }

// WireError is the error block carried by a failed response.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Response is a server reply correlated to a Request by ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *WireError      `json:"error,omitempty"`
}

func (Response) frameType() FrameType { return FrameTypeResponse }

// Event is an unsolicited server push. Seq is nil when the server did not
// assign a sequence number to the event.
type Event struct {
	Name         string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

func (Event) frameType() FrameType { return FrameTypeEvent }

// UnknownFrameTypeError reports a wire discriminant outside the closed
// frame set. Decoding fails hard rather than ignoring the frame silently.
type UnknownFrameTypeError struct {
	Type string
}

func (e *UnknownFrameTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

func (e *UnknownFrameTypeError) Is(target error) bool {
	return target == domain.ErrUnknownFrameType
}

// DecodeFrame parses one wire message. The "type" discriminant is inspected
// before any variant field decoding is attempted.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	switch probe.Type {
	case FrameTypeRequest:
		var f Request
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode request frame: %w", err)
		}
		return f, nil
	case FrameTypeResponse:
		var f Response
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode response frame: %w", err)
		}
		return f, nil
	case FrameTypeEvent:
		var f Event
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode event frame: %w", err)
		}
		return f, nil
	default:
		return nil, &UnknownFrameTypeError{Type: string(probe.Type)}
	}
}

// EncodeFrame serializes a frame with its type discriminant attached.
func EncodeFrame(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case Request:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Request
		}{Type: FrameTypeRequest, Request: fr})
	case Response:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Response
		}{Type: FrameTypeResponse, Response: fr})
	case Event:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			Event
		}{Type: FrameTypeEvent, Event: fr})
	default:
		return nil, fmt.Errorf("encode frame: unsupported frame %T", f)
	}
}
