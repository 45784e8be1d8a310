// Package protocol holds the envelope rules every inbound packet must pass and the
// handshake conventions shared by both endpoints.
//
// Handshake: each endpoint exposes the reserved method "ready" and, right after it is
// created, calls it on the peer with the sentinel id and its own protocol version.
//
//	A ──method{id:-1, method:"ready", params:{protocolVersion:"1.0"}, counter:0}──► B
//	A ◄──reply{id:-1, result:{protocolVersion:"1.0"}, counter:n}─────────────────── B
//
// Either direction arriving marks the peer as ready and starts a fresh counter epoch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"post-rpc/message"
)

const (
	// ReadyMethod is the reserved handshake method name.
	ReadyMethod = "ready"
	// HandshakeID is the sentinel call id of the handshake. Regular ids are counter
	// values, which are never negative, so the two can not collide.
	HandshakeID int64 = -1
	// DefaultVersion is advertised when no version is configured.
	DefaultVersion = "1.0"
	// AnyOrigin accepts (or targets) every origin.
	AnyOrigin = "*"
)

var (
	ErrWrongService = errors.New("protocol: packet for another service")
	ErrWrongOrigin  = errors.New("protocol: origin not allowed")
)

// Handshake is the params of the "ready" call and the result of its reply.
type Handshake struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// Admit decides whether a decoded packet is addressed to this endpoint.
// allowedOrigin "" or "*" accepts any origin; otherwise origin must match exactly.
func Admit(p *message.Packet, serviceID, allowedOrigin, origin string) error {
	// Step 1: Reject packets scoped to another engine on the same transport
	if p.ServiceID != serviceID {
		return fmt.Errorf("%w: got %q", ErrWrongService, p.ServiceID)
	}

	// Step 2: Reject packets from origins outside the allow-list
	if allowedOrigin != "" && allowedOrigin != AnyOrigin && origin != allowedOrigin {
		return fmt.Errorf("%w: %q", ErrWrongOrigin, origin)
	}
	return nil
}

// IsHandshake reports whether p opens a new peer session: either the peer calling
// "ready" or the peer answering our sentinel handshake call.
func IsHandshake(p *message.Packet) bool {
	switch p.Type {
	case message.TypeMethod:
		return p.Method == ReadyMethod
	case message.TypeReply:
		return p.ID == HandshakeID
	}
	return false
}

// PeerVersion extracts the advertised protocol version from a handshake packet.
// A failed handshake reply carries no version.
func PeerVersion(p *message.Packet) (string, bool) {
	var raw json.RawMessage
	switch {
	case p.Type == message.TypeMethod:
		raw = p.Params
	case p.Type == message.TypeReply && p.Error == nil:
		raw = p.Result
	default:
		return "", false
	}
	if len(raw) == 0 {
		return "", false
	}
	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil || hs.ProtocolVersion == "" {
		return "", false
	}
	return hs.ProtocolVersion, true
}
