// ABOUTME: Wire frames exchanged over a persistent connection: request, response, and event.
// ABOUTME: Decodes inbound text frames and builds outbound ones with coded errors.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version this router speaks.
const Version = 1

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "evt"
)

// Error codes carried in response errors.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
	CodeToolNotFound        = "TOOL_NOT_FOUND"
	CodeNodeUnavailable     = "NODE_UNAVAILABLE"
	CodeSessionBusy         = "SESSION_BUSY"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// ErrMalformedFrame indicates a frame that could not be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Error is the coded error carried by a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds a coded error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a coded protocol error.
// Errors that are already coded keep their code; everything else is INTERNAL.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Request asks the other side to run a method and answer with a Response of the same ID.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Event is a one-way notification; no response is expected.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is a decoded inbound frame. Exactly one field is set.
type Frame struct {
	Request  *Request
	Response *Response
	Event    *Event
}

// Decode parses a text frame and dispatches on its type field.
func Decode(data []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch head.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if req.ID == "" || req.Method == "" {
			return nil, fmt.Errorf("%w: request requires id and method", ErrMalformedFrame)
		}
		return &Frame{Request: &req}, nil
	case TypeResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &Frame{Response: &resp}, nil
	case TypeEvent:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &Frame{Event: &evt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, head.Type)
	}
}

// NewRequest builds a request frame with JSON-encoded params.
func NewRequest(id, method string, params any) (*Request, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Request{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload any) (*Response, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Response{Type: TypeResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id string, perr *Error) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: false, Error: perr}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: TypeEvent, Event: name, Payload: raw}, nil
}

// DecodeParams unmarshals request params into v, mapping failures to INVALID_REQUEST.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewError(CodeInvalidRequest, "invalid params: %v", err)
	}
	return nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}
