// Package exc carries the error taxonomy shared by the receiver, the phase
// handlers and the client drivers, plus the opt-in panic mode.
package exc

import (
	"context"
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

type Code int

const (
	OK Code = iota
	NotInitialized
	Closed
	FdError
	Timeout
	Decode
	Rejected
	Crypto
	State
	Busy
)

var codeNames = [...]string{
	OK:             "ok",
	NotInitialized: "not_initialized",
	Closed:         "closed",
	FdError:        "fd_error",
	Timeout:        "timeout",
	Decode:         "decode",
	Rejected:       "rejected",
	Crypto:         "crypto",
	State:          "state",
	Busy:           "busy",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "unknown"
	}
	return codeNames[c]
}

// Error is the structured failure returned (or raised) by core operations.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code, so errors.Is(err, exc.ErrTimeout) holds for
// any timeout regardless of the operation that produced it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Err == nil {
		return t.Code == e.Code
	}
	return t == e
}

var (
	ErrNotInitialized = &Error{Code: NotInitialized}
	ErrClosed         = &Error{Code: Closed}
	ErrFd             = &Error{Code: FdError}
	ErrTimeout        = &Error{Code: Timeout}
	ErrDecode         = &Error{Code: Decode}
	ErrRejected       = &Error{Code: Rejected}
	ErrCrypto         = &Error{Code: Crypto}
	ErrState          = &Error{Code: State}
	ErrBusy           = &Error{Code: Busy}
)

func New(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

func Newf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Err: errors.Errorf(format, args...)}
}

// CodeOf classifies err. Deadline and closed-socket errors from the net
// stack map onto Timeout and Closed.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return Closed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return FdError
}

// Wrap attaches op and a code derived from err unless err already carries one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Code: CodeOf(err), Err: err}
}

// Policy is the per-instance use_exc switch. The zero value returns errors.
type Policy struct {
	raise atomic.Bool
}

func (p *Policy) Set(on bool) { p.raise.Store(on) }

func (p *Policy) Enabled() bool { return p != nil && p.raise.Load() }

// Raise returns err unchanged unless the policy is enabled, in which case a
// non-nil err is panicked as *Error.
func (p *Policy) Raise(err error) error {
	if err == nil || !p.Enabled() {
		return err
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeOf(err), Err: err}
	}
	panic(e)
}

// Recover turns a panic raised by Policy.Raise back into an error. Other
// panics are re-raised.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(*Error)
	if !ok {
		panic(r)
	}
	if errp != nil {
		*errp = e
	}
}
