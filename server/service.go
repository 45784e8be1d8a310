package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/rpcerr"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool // Method takes a context.Context before its args
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is everything exposed under one service identity: reflected methods of a
// registered receiver plus handlers added with Server.Expose.
type service struct {
	name     string
	rcvr     reflect.Value
	typ      reflect.Type
	method   map[string]*methodType
	handlers map[string]middleware.HandlerFunc
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans rcvr for exported methods shaped like
//
//	func (r *T) Name(args *Args, reply *Reply) error
//	func (r *T) Name(ctx context.Context, args *Args, reply *Reply) error
//
// and exposes them under name, the struct's type name when empty.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:     name,
		rcvr:     reflect.ValueOf(rcvr),
		typ:      typ,
		method:   make(map[string]*methodType),
		handlers: make(map[string]middleware.HandlerFunc),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported method of the form func(*Args, *Reply) error", name)
	}
	for name, m := range svc.method {
		svc.handlers[name] = svc.handler(m)
	}
	return svc, nil
}

func newFuncService(name string) *service {
	return &service{
		name:     name,
		method:   make(map[string]*methodType),
		handlers: make(map[string]middleware.HandlerFunc),
	}
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		var withCtx bool
		switch {
		case mt.NumIn() == 3:
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			withCtx = true
		default:
			continue
		}
		argType, replyType := mt.In(mt.NumIn()-2), mt.In(mt.NumIn()-1)
		if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   argType.Elem(),
			ReplyType: replyType.Elem(),
		}
	}
}

// handler adapts a reflected method to a HandlerFunc: params decode into a fresh *Args,
// the method fills a fresh *Reply, and the reply becomes the result.
func (s *service) handler(m *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Packet) (any, error) {
		argv := reflect.New(m.ArgType)
		if len(req.Params) > 0 {
			if err := req.DecodeParams(argv.Interface()); err != nil {
				return nil, rpcerr.Wrap(rpcerr.CodeInvalidParams, err)
			}
		}
		replyv := reflect.New(m.ReplyType)
		if err := s.call(ctx, m, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if m.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := m.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func (s *service) methods() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
