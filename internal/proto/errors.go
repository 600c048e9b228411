package proto

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTruncated   = errors.New("proto: truncated")
	ErrTooLong     = errors.New("proto: field too long")
	ErrUnknownKind = errors.New("proto: unknown kind")
	ErrBadPadding  = errors.New("proto: non-zero padding")
	ErrBadBool     = errors.New("proto: bad bool")
	ErrTrailing    = errors.New("proto: trailing bytes")
	ErrOversize    = errors.New("proto: datagram over size cap")
)

// DecodeError locates a decode failure inside a datagram.
type DecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
