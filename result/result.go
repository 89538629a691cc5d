// Package result defines the outcome envelope returned by every operation:
// a kind from a closed taxonomy, an optional value, an error detail and a
// metadata map that carries version headers alongside the value.
//
// Only NotAvailable means "the endpoint could not be reached". Every other
// non-OK kind is a semantic answer from a service that did receive the call.
package result

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Kind classifies the outcome of an operation.
type Kind uint8

const (
	OK Kind = iota
	Conflict
	NotFound
	BadRequest
	Forbidden
	InternalError
	NotImplemented
	NotAvailable
)

var kindNames = [...]string{
	OK:             "OK",
	Conflict:       "CONFLICT",
	NotFound:       "NOT_FOUND",
	BadRequest:     "BAD_REQUEST",
	Forbidden:      "FORBIDDEN",
	InternalError:  "INTERNAL_ERROR",
	NotImplemented: "NOT_IMPLEMENTED",
	NotAvailable:   "NOT_AVAILABLE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names map to
// BadRequest.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return Kind(k)
		}
	}
	return BadRequest
}

// Error is the Go error form of a non-OK result.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind carried by err. A nil error is OK, a context
// deadline is NotAvailable and anything unrecognised is InternalError.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NotAvailable
	}
	return InternalError
}

// Result is the outcome of an operation producing a T.
type Result[T any] struct {
	Kind     Kind
	Value    T
	Msg      string
	Metadata map[string]string
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: OK, Value: v}
}

// Fail builds an error result.
func Fail[T any](kind Kind, format string, args ...any) Result[T] {
	return Result[T]{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// FromError converts err into an error result; a nil err yields OK with the
// zero value.
func FromError[T any](err error) Result[T] {
	if err == nil {
		var zero T
		return Ok(zero)
	}
	var re *Error
	if errors.As(err, &re) {
		return Result[T]{Kind: re.Kind, Msg: re.Msg}
	}
	return Result[T]{Kind: KindOf(err), Msg: err.Error()}
}

// Cast re-types a result. The value is dropped; kind, detail and metadata
// are kept. It is meant for propagating failures between layers.
func Cast[U, T any](r Result[T]) Result[U] {
	return Result[U]{Kind: r.Kind, Msg: r.Msg, Metadata: r.Metadata}
}

func (r Result[T]) IsOK() bool {
	return r.Kind == OK
}

// Err returns nil for OK results and an *Error otherwise.
func (r Result[T]) Err() error {
	if r.Kind == OK {
		return nil
	}
	return &Error{Kind: r.Kind, Msg: r.Msg}
}

// With returns a copy of r whose metadata also holds key=value.
func (r Result[T]) With(key, value string) Result[T] {
	md := make(map[string]string, len(r.Metadata)+1)
	maps.Copy(md, r.Metadata)
	md[key] = value
	r.Metadata = md
	return r
}

// WithMetadata returns a copy of r with every entry of md added.
func (r Result[T]) WithMetadata(md map[string]string) Result[T] {
	if len(md) == 0 {
		return r
	}
	out := make(map[string]string, len(r.Metadata)+len(md))
	maps.Copy(out, r.Metadata)
	maps.Copy(out, md)
	r.Metadata = out
	return r
}

func (r Result[T]) String() string {
	if r.Kind == OK {
		return fmt.Sprintf("(OK, %v)", r.Value)
	}
	return "(" + r.Kind.String() + ")"
}
