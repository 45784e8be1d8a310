// Package message defines the packet structure exchanged between two endpoints.
//
// Packet is the "envelope" for every call and every reply. It gets serialized by the
// codec layer into a UTF-8 JSON string and handed to the transport as an opaque payload.
//
//	method: {"type":"method","serviceID":…,"id":…,"method":…,"params":…,"discard":true?,"counter":…}
//	reply:  {"type":"reply","serviceID":…,"id":…,"result":…,"error":{…}?,"counter":…}
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned for any payload that does not parse into a Packet.
var ErrMalformed = errors.New("message: malformed packet")

// Type discriminates the two packet shapes.
type Type string

const (
	TypeMethod Type = "method" // Call to a handler on the peer
	TypeReply  Type = "reply"  // Answer to an earlier method packet
)

// WireError is the error shape carried by a failed reply.
type WireError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Path    []string `json:"path,omitempty"`
}

// Packet carries the data for a single call or reply.
//
//   - On method: Method, Params and Discard are set; ID correlates the future reply.
//   - On reply:  Result is set on success, Error is non-nil if the handler failed.
type Packet struct {
	Type      Type
	ServiceID string // Scopes independent engines sharing one transport
	Counter   int64  // Stamped by the sender at post time
	ID        int64

	Method  string
	Params  json.RawMessage
	Discard bool // Fire and forget: the peer never replies

	Result json.RawMessage
	Error  *WireError
}

type methodWire struct {
	Type      Type            `json:"type"`
	ServiceID string          `json:"serviceID"`
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Discard   bool            `json:"discard,omitempty"`
	Counter   int64           `json:"counter"`
}

type replyWire struct {
	Type      Type            `json:"type"`
	ServiceID string          `json:"serviceID"`
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *WireError      `json:"error,omitempty"`
	Counter   int64           `json:"counter"`
}

var null = json.RawMessage("null")

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return null
	}
	return raw
}

// MarshalJSON emits the shape matching p.Type.
func (p Packet) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case TypeMethod:
		return json.Marshal(methodWire{
			Type:      p.Type,
			ServiceID: p.ServiceID,
			ID:        p.ID,
			Method:    p.Method,
			Params:    orNull(p.Params),
			Discard:   p.Discard,
			Counter:   p.Counter,
		})
	case TypeReply:
		return json.Marshal(replyWire{
			Type:      p.Type,
			ServiceID: p.ServiceID,
			ID:        p.ID,
			Result:    orNull(p.Result),
			Error:     p.Error,
			Counter:   p.Counter,
		})
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}
}

// UnmarshalJSON parses a tagged union and fails closed: every structural problem
// is reported as ErrMalformed.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      *Type           `json:"type"`
		ServiceID *string         `json:"serviceID"`
		Counter   json.RawMessage `json:"counter"`
		ID        json.RawMessage `json:"id"`
		Method    *string         `json:"method"`
		Params    json.RawMessage `json:"params"`
		Discard   *bool           `json:"discard"`
		Result    json.RawMessage `json:"result"`
		Error     *WireError      `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Type == nil {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}

	counter, err := parseInt(raw.Counter)
	if err != nil {
		return fmt.Errorf("%w: counter: %v", ErrMalformed, err)
	}
	if counter < 0 {
		return fmt.Errorf("%w: negative counter %d", ErrMalformed, counter)
	}
	id, err := parseInt(raw.ID)
	if err != nil {
		return fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}

	out := Packet{Type: *raw.Type, Counter: counter, ID: id}
	if raw.ServiceID != nil {
		out.ServiceID = *raw.ServiceID
	}

	switch out.Type {
	case TypeMethod:
		if raw.Method == nil {
			return fmt.Errorf("%w: method packet without method name", ErrMalformed)
		}
		out.Method = *raw.Method
		out.Params = raw.Params
		if raw.Discard != nil {
			out.Discard = *raw.Discard
		}
	case TypeReply:
		out.Result = raw.Result
		out.Error = raw.Error
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, out.Type)
	}

	*p = out
	return nil
}

// parseInt accepts only a bare JSON integer literal.
func parseInt(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, errors.New("missing")
	}
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// DecodeParams unmarshals the call parameters into v.
func (p *Packet) DecodeParams(v any) error {
	return json.Unmarshal(orNull(p.Params), v)
}

// DecodeResult unmarshals the reply result into v.
func (p *Packet) DecodeResult(v any) error {
	return json.Unmarshal(orNull(p.Result), v)
}
