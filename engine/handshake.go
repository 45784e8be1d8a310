package engine

import (
	"context"

	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/protocol"
)

// startHandshake calls "ready" on the peer with the sentinel id. Whichever comes first,
// the peer calling our "ready" or any reply to this call, sets the ready signal.
func (e *Engine) startHandshake() error {
	_, err := e.Call(protocol.ReadyMethod, protocol.Handshake{ProtocolVersion: e.version})
	return err
}

// handleReady answers the peer's handshake call with our own version.
func (e *Engine) handleReady(ctx context.Context, req *message.Packet) (any, error) {
	e.markReady()
	return protocol.Handshake{ProtocolVersion: e.version}, nil
}

// applyHandshake starts a new epoch for a peer that just (re)started: it counts from
// zero again, so waiting for its old counters would stall delivery forever.
// Caller holds e.mu.
func (e *Engine) applyHandshake(p *message.Packet) {
	if v, ok := protocol.PeerVersion(p); ok {
		e.remoteVersion = v
	}
	e.counter = 0
	e.buffer.Reset(p.Counter)
}

// markReady sets the ready signal and reports whether this call set it.
func (e *Engine) markReady() bool {
	first := false
	e.readyOnce.Do(func() {
		close(e.ready)
		first = true
	})
	if first {
		v, _ := e.RemoteVersion()
		e.logger.Debug().Str("remote_version", v).Msg("peer ready")
		e.publish(events.TopicReady, nil, "")
	}
	return first
}

// Ready is closed once the handshake with the peer has succeeded. It never reopens.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

func (e *Engine) IsReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the peer is ready or ctx ends.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
