// Package neterr defines the error taxonomy shared by netkit's socket,
// resolver, proxy and URI layers.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind,
// so callers can branch on "try again" (KindTimeout) versus "fatal" without
// matching message text. *Error implements net.Error.
package neterr

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error.
type Kind int

const (
	// KindIO is a generic I/O failure reported by the operating system.
	KindIO Kind = iota
	// KindUsage is a bad argument: negative timeout, invalid option value,
	// malformed URI.
	KindUsage
	// KindState is an operation on a socket in the wrong lifecycle state.
	KindState
	// KindTimeout is a configured timeout or deadline expiring.
	KindTimeout
	// KindProtocol is a proxy negotiation failure or malformed reply.
	KindProtocol
	// KindResolution is a host name that could not be resolved.
	KindResolution
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindUsage:
		return "usage"
	case KindState:
		return "state"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed wraps net.ErrClosed so code written against the net
	// package recognizes it.
	ErrClosed           = fmt.Errorf("socket closed: %w", net.ErrClosed)
	ErrNotConnected     = errors.New("socket is not connected")
	ErrNotBound         = errors.New("socket is not bound yet")
	ErrAlreadyBound     = errors.New("already bound")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotCreated       = errors.New("socket not created")
	ErrInputShutdown    = errors.New("socket input is already shutdown")
	ErrOutputShutdown   = errors.New("socket output is already shutdown")
	ErrTimeout          = errors.New("timed out")
	ErrConnectionReset  = errors.New("connection reset")
	ErrHostNotFound     = errors.New("host not found")
	ErrUnresolved       = errors.New("unresolved address")
	ErrUnsupported      = errors.New("operation not supported")
)

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "connect", "accept", "socks5 request".
	Op string
	// Addr is the address the operation concerned, if any.
	Addr string
	Err  error
}

var _ net.Error = (*Error)(nil)

func (e *Error) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Err != nil {
		if s != "" {
			s += ": "
		}
		s += e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the error is a timeout.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// Temporary reports whether retrying the operation may succeed.
func (e *Error) Temporary() bool { return e.Kind == KindTimeout }

// New returns an *Error of the given kind.
func New(kind Kind, op, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

func Usage(op string, err error) error { return New(KindUsage, op, "", err) }

func State(op string, err error) error { return New(KindState, op, "", err) }

func Timeout(op, addr string) error { return New(KindTimeout, op, addr, ErrTimeout) }

func Protocol(op, addr string, err error) error { return New(KindProtocol, op, addr, err) }

func HostNotFound(host string, err error) error {
	if err == nil {
		err = ErrHostNotFound
	} else {
		err = &hostNotFound{err: err}
	}
	return New(KindResolution, "lookup", host, err)
}

// IO wraps a raw operating system error. Timeouts reported by the OS are
// reclassified as KindTimeout.
func IO(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	kind := KindIO
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		kind = KindTimeout
	}
	return New(kind, op, addr, err)
}

// KindOf returns the Kind of err. Errors that were not produced by netkit are
// KindIO, except URI syntax errors, which implement UsageError.
func KindOf(err error) Kind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	var ue interface{ UsageError() bool }
	if errors.As(err, &ue) && ue.UsageError() {
		return KindUsage
	}
	return KindIO
}

// IsTimeout reports whether err is, or wraps, a timeout.
func IsTimeout(err error) bool {
	return err != nil && KindOf(err) == KindTimeout
}

// hostNotFound normalizes name-service specific errors to ErrHostNotFound
// while keeping the original cause reachable through Unwrap.
type hostNotFound struct {
	err error
}

func (e *hostNotFound) Error() string { return ErrHostNotFound.Error() + ": " + e.err.Error() }

func (e *hostNotFound) Is(target error) bool { return target == ErrHostNotFound }

func (e *hostNotFound) Unwrap() error { return e.err }
