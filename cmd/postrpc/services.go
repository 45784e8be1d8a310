package main

import (
	"context"
	"errors"
	"time"

	"post-rpc/rpcerr"
)

// Demo services hosted by `postrpc serve`.

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return rpcerr.New(4000, "division by zero", "B")
	}
	reply.Result = args.A / args.B
	return nil
}

type EchoArgs struct {
	Message string
	Delay   string // Optional duration, e.g. "100ms"
}

type EchoReply struct {
	Message string
}

type Echo struct{}

func (e *Echo) Say(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	if args.Delay != "" {
		d, err := time.ParseDuration(args.Delay)
		if err != nil {
			return rpcerr.Wrap(rpcerr.CodeInvalidParams, err, "Delay")
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errors.New("echo cancelled")
		}
	}
	reply.Message = args.Message
	return nil
}
