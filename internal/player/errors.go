package player

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed player call
type ErrorKind string

const (
	// Unreachable means the request never produced a response (connection
	// refused, DNS, timeout, context cancelled).
	Unreachable ErrorKind = "unreachable"

	// BadResponse means the service answered but the answer was unusable
	// (non-2xx status, malformed JSON, missing or out-of-range volume).
	BadResponse ErrorKind = "bad_response"
)

// Error is the single error type surfaced by Client implementations.
// Calls are never retried internally.
type Error struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("player %s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("player %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a player error, or "" when err is not one
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

func unreachable(op string, err error) *Error {
	return &Error{Op: op, Kind: Unreachable, Msg: "request failed", Err: err}
}

func badResponse(op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: BadResponse, Msg: fmt.Sprintf(format, args...)}
}
