package engine

import (
	"encoding/json"
	"fmt"

	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/rpcerr"
	"post-rpc/transport"
)

// receive is the transport callback. The transport serializes calls to it, so inbound
// packets are sequenced and dispatched one at a time. Nothing here can fail the
// engine: a bad packet is dropped and the next one is processed normally.
func (e *Engine) receive(msg transport.Message) {
	p, err := e.codec.Decode(msg.Data)
	if err != nil {
		e.drop(nil, "malformed", err)
		return
	}
	if err := protocol.Admit(p, e.serviceID, e.allowedOrigin, msg.Origin); err != nil {
		e.drop(p, "not-admitted", err)
		return
	}

	released, handshake, ok := e.sequence(p)
	if !ok {
		return
	}
	if handshake {
		e.logger.Debug().Str("type", string(p.Type)).Int64("counter", p.Counter).Msg("peer handshake, new epoch")
		e.markReady()
	}
	for _, q := range released {
		e.dispatch(q)
	}
}

// sequence applies handshake side effects and feeds p to the reorder buffer.
func (e *Engine) sequence(p *message.Packet) (released []*message.Packet, handshake bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, false, false
	}
	if protocol.IsHandshake(p) {
		e.applyHandshake(p)
		handshake = true
	}
	return e.buffer.Append(p), handshake, true
}

func (e *Engine) dispatch(p *message.Packet) {
	switch p.Type {
	case message.TypeMethod:
		e.publish(events.TopicReceivedCall, p, "")
		e.handleCall(p)
	case message.TypeReply:
		e.publish(events.TopicReceivedReply, p, "")
		e.handleReply(p)
	}
}

func (e *Engine) handleCall(p *message.Packet) {
	e.mu.Lock()
	handler, ok := e.handlers[p.Method]
	e.mu.Unlock()

	if !ok {
		if p.Discard {
			e.logger.Debug().Str("method", p.Method).Msg("discarded call to unknown method")
			return
		}
		e.reply(p, nil, rpcerr.UnknownMethod(p.Method))
		return
	}

	result, err := e.invoke(handler, p)
	if f, async := result.(*Future); async && f != nil && err == nil {
		go e.await(p, f)
		return
	}
	if p.Discard {
		if err != nil {
			e.logger.Debug().Err(err).Str("method", p.Method).Msg("discarded call failed")
		}
		return
	}
	raw, err := e.encodeOutcome(result, err)
	e.reply(p, raw, err)
}

// await answers p once f settles. If the engine is destroyed first, nothing is sent.
func (e *Engine) await(p *message.Packet, f *Future) {
	raw, err := f.Wait(e.ctx)
	if e.ctx.Err() != nil {
		return
	}
	if p.Discard {
		if err != nil {
			e.logger.Debug().Err(err).Str("method", p.Method).Msg("discarded call failed")
		}
		return
	}
	e.reply(p, raw, err)
}

// invoke runs handler and turns a panic into an uncaught error.
func (e *Engine) invoke(handler middleware.HandlerFunc, p *message.Packet) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("method", p.Method).Interface("panic", r).Msg("handler panicked")
			result, err = nil, fmt.Errorf("panic in handler %q: %v", p.Method, r)
		}
	}()
	return handler(e.ctx, p)
}

func (e *Engine) encodeOutcome(result any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	raw, err := marshalResult(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func (e *Engine) handleReply(p *message.Packet) {
	e.mu.Lock()
	f, ok := e.ledger[p.ID]
	if ok {
		delete(e.ledger, p.ID)
	}
	e.mu.Unlock()

	if !ok {
		// Late, duplicate or abandoned: indistinguishable, and harmless.
		e.logger.Trace().Int64("id", p.ID).Msg("unmatched reply")
		return
	}
	if p.Error != nil {
		f.settle(nil, rpcerr.FromWire(p.Error))
		return
	}
	f.settle(p.Result, nil)
}

func (e *Engine) drop(p *message.Packet, reason string, err error) {
	e.logger.Trace().Err(err).Str("reason", reason).Msg("dropped packet")
	e.publish(events.TopicDropped, p, reason)
}
