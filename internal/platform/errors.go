package platform

import (
	"errors"
	"fmt"
)

// The registry can fail a registration two ways: it can refuse the spec
// (ErrRemoteRejected) or we can fail to reach it at all (ErrTransport).
// Callers branch with errors.Is; neither kind is retried unless retries
// are explicitly configured.
var (
	ErrRemoteRejected = errors.New("registry rejected request")
	ErrTransport      = errors.New("registry unreachable")
)

// RejectionError carries the registry's status code and error body.
type RejectionError struct {
	Status int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("registry rejected request (status %d): %s", e.Status, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRemoteRejected }

// TransportError wraps a connectivity or server-side failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("registry unreachable: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return ErrTransport }

// ValidationError reports a spec rejected locally, before any request
// is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}
