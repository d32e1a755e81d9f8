// Package jsonrpc implements the JSON-RPC 2.0 message model and a full-duplex
// client used to talk to a Codex app-server peer. The client correlates
// outbound requests with inbound responses, dispatches peer-initiated requests
// and notifications to registered handlers, and enforces per-request
// deadlines. Framing is owned by the transport layer; this package deals in
// decoded messages only.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Well-known JSON-RPC 2.0 error codes used by this client.
const (
	// CodeMethodNotFound is returned to the peer when no handler is
	// registered for an inbound request method.
	CodeMethodNotFound = -32601
	// CodeInvalidParams is returned when inbound request parameters cannot
	// be decoded.
	CodeInvalidParams = -32602
	// CodeHandlerError is returned when a registered handler fails.
	CodeHandlerError = -32000
)

type (
	// ID identifies a JSON-RPC request. Per JSON-RPC 2.0 an id is
	// either a string or an integer; the zero ID is invalid and marks
	// notifications.
	ID struct {
		str   string
		num   int64
		isStr bool
		ok    bool
	}

	// Message is one decoded JSON-RPC 2.0 message: a *Request, a
	// *Notification or a *Response.
	Message interface {
		message()
	}

	// Request is a message that expects exactly one Response with the same id.
	Request struct {
		ID     ID
		Method string
		Params json.RawMessage
	}

	// Notification is a fire-and-forget message; it never receives a response.
	Notification struct {
		Method string
		Params json.RawMessage
	}

	// Response settles a Request. Exactly one of Result and Error is
	// meaningful.
	Response struct {
		ID     ID
		Result json.RawMessage
		Error  *Error
	}

	// Error is the JSON-RPC 2.0 error object returned by a peer.
	Error struct {
		Code    int64           `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	// wireMessage is the combined wire form used for encoding and decoding.
	wireMessage struct {
		JSONRPC string          `json:"jsonrpc,omitempty"`
		ID      *ID             `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
)

func (*Request) message()      {}
func (*Notification) message() {}
func (*Response) message()     {}

// IntID builds an integer request id.
func IntID(v int64) ID { return ID{num: v, ok: true} }

// StringID builds a string request id.
func StringID(v string) ID { return ID{str: v, isStr: true, ok: true} }

// Valid reports whether the id is present. Notifications carry the zero ID.
func (id ID) Valid() bool { return id.ok }

// String renders the id for logging.
func (id ID) String() string {
	switch {
	case !id.ok:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON encodes the id as a JSON string or number.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.ok {
		return nil, errors.New("jsonrpc: cannot marshal invalid id")
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON decodes a JSON string or number id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*id = IntID(num)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = StringID(str)
		return nil
	}
	return fmt.Errorf("jsonrpc: invalid id %s", data)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with an optional data payload. Marshal failures of
// the payload are ignored; the code and message always survive.
func NewError(code int64, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// MarshalParams encodes request/notification parameters. Nil params are
// omitted from the wire form.
func MarshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal params: %w", err)
	}
	return data, nil
}

// EncodeMessage renders one message in JSON-RPC 2.0 wire form, without
// framing.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{JSONRPC: "2.0"}
	switch msg := m.(type) {
	case *Request:
		if !msg.ID.Valid() {
			return nil, errors.New("jsonrpc: request requires a valid id")
		}
		id := msg.ID
		w.ID = &id
		w.Method = msg.Method
		w.Params = msg.Params
	case *Notification:
		w.Method = msg.Method
		w.Params = msg.Params
	case *Response:
		if !msg.ID.Valid() {
			return nil, errors.New("jsonrpc: response requires a valid id")
		}
		id := msg.ID
		w.ID = &id
		if msg.Error != nil {
			w.Error = msg.Error
		} else {
			// A success response must carry a result member, even when null.
			if msg.Result == nil {
				w.Result = json.RawMessage("null")
			} else {
				w.Result = msg.Result
			}
		}
	default:
		return nil, fmt.Errorf("jsonrpc: unsupported message type %T", m)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage classifies one frame:
//
//   - method present with an id: inbound *Request
//   - method present without an id: *Notification
//   - no method, id with result or error: *Response
//
// Anything else is a protocol error. The jsonrpc envelope field is not
// validated.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode message: %w", err)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.ID != nil && (w.Result != nil || w.Error != nil):
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, errors.New("jsonrpc: message is neither request, notification nor response")
	}
}
