package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Future is the pending outcome of a call. It settles at most once: with the reply's
// result, or with an error (*rpcerr.Error for failures reported by the peer).
// A future whose reply never arrives never settles.
type Future struct {
	id     int64
	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ID is the call id the future is correlated by.
func (f *Future) ID() int64 { return f.id }

// Done is closed when the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) settle(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future settles or ctx ends. Giving up on ctx does not cancel
// the call; a late reply still settles the future.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits like Wait and unmarshals the result into v. v may be nil.
func (f *Future) Decode(ctx context.Context, v any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Go runs fn on its own goroutine. A handler returns the future to answer
// asynchronously; the engine keeps dispatching other packets in the meantime.
func Go(fn func() (any, error)) *Future {
	f := newFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.settle(nil, fmt.Errorf("panic: %v", r))
			}
		}()
		v, err := fn()
		if err != nil {
			f.settle(nil, err)
			return
		}
		raw, err := marshalResult(v)
		f.settle(raw, err)
	}()
	return f
}

// marshalResult encodes a handler's return value. json.RawMessage passes through.
func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	default:
		return json.Marshal(v)
	}
}
