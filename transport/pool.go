// Package transport also provides Pool, which shares WebSocket connections between engines.
//
// Engines scope themselves by service identity, so any number of them can run on one
// connection. The pool hands out one connection per address and closes it when the
// last engine using it lets go.
package transport

import (
	"context"
	"sync"
)

// DialFunc opens a new connection to addr.
type DialFunc func(ctx context.Context, addr string) (*WebSocket, error)

// Pool manages shared, reference-counted connections keyed by address.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*pooled
	dial  DialFunc
}

type pooled struct {
	ws   *WebSocket
	refs int
}

func NewPool(dial DialFunc) *Pool {
	if dial == nil {
		dial = func(ctx context.Context, addr string) (*WebSocket, error) {
			return DialWebSocket(ctx, addr, nil)
		}
	}
	return &Pool{
		conns: make(map[string]*pooled),
		dial:  dial,
	}
}

// Get returns the shared connection for addr, dialing it if there is none or the
// existing one has died.
func (p *Pool) Get(ctx context.Context, addr string) (*WebSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.conns[addr]; ok {
		select {
		case <-pc.ws.Done():
			// Broken, dial a fresh one
			delete(p.conns, addr)
		default:
			pc.refs++
			return pc.ws, nil
		}
	}

	ws, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = &pooled{ws: ws, refs: 1}
	return ws, nil
}

// Put releases one reference to ws, which must come from Get(addr). The connection is
// closed when nobody uses it anymore. A connection already replaced by a fresh dial is
// simply closed.
func (p *Pool) Put(addr string, ws *WebSocket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[addr]
	if !ok || pc.ws != ws {
		ws.Close()
		return
	}
	pc.refs--
	if pc.refs <= 0 {
		delete(p.conns, addr)
		pc.ws.Close()
	}
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, pc := range p.conns {
		pc.ws.Close()
		delete(p.conns, addr)
	}
	return nil
}
