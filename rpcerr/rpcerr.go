// Package rpcerr is the typed failure that crosses the wire.
//
// A handler that returns an *Error has its code, message and path forwarded to the
// caller verbatim. Any other error is coerced to CodeUncaught so the wire error shape
// is always well formed.
package rpcerr

import (
	"errors"
	"fmt"
	"strings"

	"post-rpc/message"
)

const (
	// CodeUncaught marks a failure that was not an *Error on the handler side.
	CodeUncaught = 0
	// CodeInvalidParams is returned when params cannot be decoded into the handler's args.
	CodeInvalidParams = 4000
	// CodeUnknownMethod is returned for calls to a method nobody exposed.
	CodeUnknownMethod = 4003
	// CodeTimeout is returned by the timeout middleware.
	CodeTimeout = 4008
	// CodeRateLimited is returned by the rate limit middleware.
	CodeRateLimited = 4029
)

// Error is a failure with a numeric code and an optional path to a nested cause.
type Error struct {
	Code    int
	Message string
	Path    []string

	// Remote is true when the error was decoded from a peer's reply.
	Remote bool
	cause  error
}

func (e *Error) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s error %d: %s", origin, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error %d at %s: %s", origin, e.Code, strings.Join(e.Path, "."), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a local error.
func New(code int, msg string, path ...string) *Error {
	return &Error{Code: code, Message: msg, Path: path}
}

// Wrap creates a local error that keeps err as its cause. The cause never reaches the wire.
func Wrap(code int, err error, path ...string) *Error {
	return &Error{Code: code, Message: err.Error(), Path: path, cause: err}
}

// UnknownMethod quotes method as is; the name is not escaped.
func UnknownMethod(method string) *Error {
	return New(CodeUnknownMethod, "Unknown method name \"" + method + "\"")
}

// ToWire converts any error into the wire shape, dropping local-only fields.
func ToWire(err error) *message.WireError {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		w := &message.WireError{Code: typed.Code, Message: typed.Message}
		if len(typed.Path) > 0 {
			w.Path = append([]string(nil), typed.Path...)
		}
		return w
	}
	return &message.WireError{Code: CodeUncaught, Message: err.Error()}
}

// FromWire raises a wire error at the call site.
func FromWire(w *message.WireError) *Error {
	if w == nil {
		return nil
	}
	e := &Error{Code: w.Code, Message: w.Message, Remote: true}
	if len(w.Path) > 0 {
		e.Path = append([]string(nil), w.Path...)
	}
	return e
}

// IsRemote reports whether err (or something it wraps) came from the peer.
func IsRemote(err error) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Remote
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUncaught.
func CodeOf(err error) int {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeUncaught
}
