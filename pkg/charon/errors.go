package charon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// TransportKind classifies a failure to exchange a request with the socket.
type TransportKind int

const (
	ConnectRefused TransportKind = iota + 1
	ConnectionReset
	Timeout
	// Failed covers anything else, such as a malformed response.
	Failed
)

func (k TransportKind) String() string {
	switch k {
	case ConnectRefused:
		return "connect refused"
	case ConnectionReset:
		return "connection reset"
	case Timeout:
		return "timeout"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransportError means the request never produced an HTTP response.
type TransportError struct {
	Kind     TransportKind
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s after %d attempt(s): %v", e.Method, e.Path, e.Kind, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed. Timeouts are not
// retried because the hypervisor may still be processing the request.
func (e *TransportError) Retryable() bool {
	return e.Kind == ConnectRefused || e.Kind == ConnectionReset
}

// APIError is a 4xx/5xx answer from Firecracker. It is never retried.
type APIError struct {
	Method       string
	Path         string
	StatusCode   int
	FaultMessage string
}

func (e *APIError) Error() string {
	if e.FaultMessage == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.FaultMessage)
}

// IsAPIError reports whether err carries a hypervisor fault.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func classify(err error) TransportKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return Timeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT):
		return ConnectRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ConnectionReset
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ConnectRefused
	}
	return Failed
}
