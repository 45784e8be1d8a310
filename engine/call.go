package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/protocol"
	"post-rpc/rpcerr"
)

// Call sends method to the peer and returns a future for its reply. The call id is the
// packet's counter value (the handshake sentinel for the "ready" method).
// No timeout is imposed; use Future.Wait with a context to bound the wait.
func (e *Engine) Call(method string, params any) (*Future, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	p := &message.Packet{Type: message.TypeMethod, Method: method, Params: raw}
	f := newFuture()
	if err := e.send(p, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Notify sends method as fire and forget. The peer runs its handler but never replies.
func (e *Engine) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	p := &message.Packet{Type: message.TypeMethod, Method: method, Params: raw, Discard: true}
	return e.send(p, nil)
}

// Invoke calls method and decodes the result into reply. ctx only bounds the local wait.
func (e *Engine) Invoke(ctx context.Context, method string, params, reply any) error {
	f, err := e.Call(method, params)
	if err != nil {
		return err
	}
	return f.Decode(ctx, reply)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("engine: encode params: %w", err)
		}
		return raw, nil
	}
}

// send stamps the envelope and posts p. Stamping and posting happen under the lock so
// the wire order of this engine's packets equals their counter order. A non-nil f is
// entered into the ledger before the post, so even an immediate reply finds it.
func (e *Engine) send(p *message.Packet, f *Future) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}

	p.ServiceID = e.serviceID
	p.Counter = e.counter
	if p.Type == message.TypeMethod {
		if p.Method == protocol.ReadyMethod {
			p.ID = protocol.HandshakeID
		} else {
			p.ID = p.Counter
		}
	}

	data, err := e.codec.Encode(p)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: encode packet: %w", err)
	}
	e.counter++

	if f != nil {
		f.id = p.ID
		e.ledger[p.ID] = f
	}
	if err := e.poster.Post(data, e.targetOrigin); err != nil {
		if f != nil {
			delete(e.ledger, p.ID)
		}
		e.mu.Unlock()
		return fmt.Errorf("engine: post: %w", err)
	}
	e.mu.Unlock()

	if p.Type == message.TypeMethod {
		e.logger.Trace().Str("method", p.Method).Int64("id", p.ID).Int64("counter", p.Counter).Bool("discard", p.Discard).Msg("sent call")
		e.publish(events.TopicSentCall, p, "")
	} else {
		e.logger.Trace().Int64("id", p.ID).Int64("counter", p.Counter).Bool("error", p.Error != nil).Msg("sent reply")
		e.publish(events.TopicSentReply, p, "")
	}
	return nil
}

// reply answers call with either result or err.
func (e *Engine) reply(call *message.Packet, result json.RawMessage, err error) {
	p := &message.Packet{Type: message.TypeReply, ID: call.ID}
	if err != nil {
		p.Error = rpcerr.ToWire(err)
	} else {
		p.Result = result
	}
	if sendErr := e.send(p, nil); sendErr != nil {
		e.logger.Debug().Err(sendErr).Str("method", call.Method).Int64("id", call.ID).Msg("reply not sent")
	}
}
