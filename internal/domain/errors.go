package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed fetch or mutation for retry decisions.
type ErrorKind int

const (
	KindUnknown      ErrorKind = iota // Unclassified; treated as transient
	KindClient                        // Rejected as malformed or unauthorized; never retried
	KindTimeout                       // Request timed out
	KindServer                        // Transient server-side failure
	KindConnectivity                  // Remote unreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) ErrorKind {
	switch s {
	case "client":
		return KindClient
	case "timeout":
		return KindTimeout
	case "server":
		return KindServer
	case "connectivity":
		return KindConnectivity
	default:
		return KindUnknown
	}
}

// Transient reports whether errors of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	return k != KindClient
}

// FetchError is the error type transports return so the cache can classify
// failures without knowing the protocol.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int // protocol status, 0 when not applicable
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err with a kind.
func NewFetchError(kind ErrorKind, statusCode int, err error) *FetchError {
	return &FetchError{Kind: kind, StatusCode: statusCode, Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. A FetchError anywhere
// in the chain wins; otherwise deadlines are timeouts and network errors
// are connectivity failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnectivity
	}
	return KindUnknown
}

// StoredError is the form an error takes after a snapshot round trip.
type StoredError struct {
	Kind    ErrorKind
	Message string
}

func (e *StoredError) Error() string { return e.Message }

// Unwrap lets Classify see the original kind.
func (e *StoredError) Unwrap() error {
	return &FetchError{Kind: e.Kind}
}
