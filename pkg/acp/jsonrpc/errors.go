package jsonrpc

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies a failed call. It is assigned once, when the raw failure
// is received, so callers switch on it instead of matching strings.
type Kind int

const (
	KindOther Kind = iota
	KindSessionNotFound
	KindAuthRequired
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindSessionNotFound:
		return "session_not_found"
	case KindAuthRequired:
		return "auth_required"
	case KindTransport:
		return "transport"
	default:
		return "other"
	}
}

// ClosedError rejects requests that were pending, or issued, after the
// connection stopped.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

// ErrClosed matches any *ClosedError with errors.Is.
var ErrClosed = errors.New("connection closed")

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }

// CallError is returned by Call for every failed outbound request.
type CallError struct {
	Method string
	Kind   Kind
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// RPCError returns the agent-reported error object, if any.
func (e *CallError) RPCError() *Error {
	var rpcErr *Error
	if errors.As(e.Err, &rpcErr) {
		return rpcErr
	}
	return nil
}

// KindOf returns the classification carried by err. Errors that did not pass
// through a connection are classified on the spot.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	if errors.Is(err, ErrClosed) {
		return KindTransport
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return Classify(rpcErr)
	}
	return KindOther
}

var (
	sessionNotFoundPattern = regexp.MustCompile(`(?i)session[^.]*not\s*found|not\s*found[^.]*session|unknown session|no such session|invalid session`)
	authRequiredPattern    = regexp.MustCompile(`(?i)auth(entication)?[\s_-]*required|not\s+authenticated|unauthori[sz]ed|login required|please (log\s?in|authenticate)`)
)

// Classify maps an agent error to a Kind. Adapters do not agree on a stable
// code, so both the code and the message text are consulted.
func Classify(e *Error) Kind {
	if e == nil {
		return KindOther
	}
	text := e.Message
	if len(e.Data) > 0 {
		text += " " + string(e.Data)
	}

	switch {
	case e.Code == CodeResourceNotFound:
		return KindSessionNotFound
	case e.Code == CodeAuthRequired && (e.Message == "" || authRequiredPattern.MatchString(text)):
		return KindAuthRequired
	case sessionNotFoundPattern.MatchString(text):
		return KindSessionNotFound
	case authRequiredPattern.MatchString(text):
		return KindAuthRequired
	}
	return KindOther
}
