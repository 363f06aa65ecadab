package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnsupported is returned by backends without a document store
	ErrUnsupported = errors.New("delivery: operation not supported by backend")
	// ErrNotFound is returned by MemoryClient lookups
	ErrNotFound = errors.New("delivery: not found")
)

// Kind classifies delivery failures
type Kind int

const (
	// KindNetwork is a transport failure or a transient server status
	KindNetwork Kind = iota
	// KindAuth is a credential failure
	KindAuth
	// KindRejected is a request the backend refused
	KindRejected
	// KindUnknown is anything else
	KindUnknown
)

// String returns a human-readable string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DeliveryError is a failed delivery client operation
type DeliveryError struct {
	Op     string
	Kind   Kind
	Status int // HTTP status, 0 if none was received
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delivery %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("delivery %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *DeliveryError of kind k
func IsKind(err error, k Kind) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == k
}

// ClassifyStatus maps an HTTP status to a Kind
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindNetwork
	case status >= 500:
		return KindNetwork
	case status >= 400:
		return KindRejected
	default:
		return KindUnknown
	}
}

// ClassifyError maps a transport error to a Kind
func ClassifyError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindNetwork
	default:
		return KindUnknown
	}
}

func statusError(op string, status int, body []byte) *DeliveryError {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &DeliveryError{
		Op:     op,
		Kind:   ClassifyStatus(status),
		Status: status,
		Err:    fmt.Errorf("%s", msg),
	}
}

func transportError(op string, err error) *DeliveryError {
	return &DeliveryError{Op: op, Kind: ClassifyError(err), Err: err}
}
