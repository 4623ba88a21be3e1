package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindConnectionRefused Kind = "connection_refused"
	KindHandshakeTimeout  Kind = "handshake_timeout"
	KindNavigationTimeout Kind = "navigation_timeout"
	KindEvaluationError   Kind = "evaluation_error"
	KindStaleHandle       Kind = "stale_handle"
)

// TransportError is returned by every Client operation that fails because
// of the debugging channel or the browser behind it.
type TransportError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cdp: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("cdp: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first TransportError in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	_, ok := KindOf(err)
	return ok
}

// dialKind maps a connection-phase error to a kind: deadlines are
// handshake timeouts, everything else means nothing usable is listening.
func dialKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindHandshakeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindHandshakeTimeout
	}
	return KindConnectionRefused
}

func newErr(kind Kind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}
