package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// BindError reports a listener that could not be bound.
type BindError struct {
	Addr string
	Port int
	PID  int // pid from the run-state marker, if one was found
	Err  error
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("cannot listen on %s port %d: %v (see what holds it with: sudo lsof -i :%d)", e.Addr, e.Port, e.Err, e.Port)
	if e.PID > 0 {
		msg += fmt.Sprintf("; a localhttps proxy may already be running with pid %d", e.PID)
	}
	return msg
}

func (e *BindError) Unwrap() error { return e.Err }

// Reason gives a short operator-facing cause.
func (e *BindError) Reason() string {
	switch {
	case errors.Is(e.Err, os.ErrPermission) || isPermissionDenied(e.Err):
		return "permission denied (ports below 1024 need root)"
	case isAddrInUse(e.Err):
		return "address already in use"
	default:
		return e.Err.Error()
	}
}

// ErrorClass names the kind of backend failure reported to the client.
type ErrorClass string

const (
	ClassConnectionRefused ErrorClass = "connection refused"
	ClassTimeout           ErrorClass = "timeout"
	ClassDNS               ErrorClass = "dns error"
	ClassConnectionReset   ErrorClass = "connection reset"
	ClassProtocol          ErrorClass = "protocol error"
)

// BackendError is a failed exchange with the mapped local application.
type BackendError struct {
	Class ErrorClass
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// UnmappedHostError is a request whose Host has no mapping.
type UnmappedHostError struct {
	Host string
}

func (e *UnmappedHostError) Error() string {
	return "No mapping found for " + e.Host
}

func newBackendError(err error) *BackendError {
	return &BackendError{Class: classifyBackendError(err), Err: err}
}

func classifyBackendError(err error) ErrorClass {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return ClassDNS
	case isConnRefused(err):
		return ClassConnectionRefused
	case isConnReset(err), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ClassConnectionReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ClassTimeout
	default:
		return ClassProtocol
	}
}
