package crypto

import "github.com/pkg/errors"

var (
	ErrUnknownCurve  = errors.New("crypto: unknown curve")
	ErrBadPoint      = errors.New("crypto: invalid public key")
	ErrCurveMismatch = errors.New("crypto: curve mismatch")
	ErrNoPrivate     = errors.New("crypto: missing private scalar")
	ErrNoKey         = errors.New("crypto: missing key material")
	ErrKeySize       = errors.New("crypto: key too short")
	ErrBuffer        = errors.New("crypto: buffer too small")
	ErrNotReady      = errors.New("crypto: cryptbuf not initialized")
	ErrMAC           = errors.New("crypto: mac mismatch")
	ErrSaltSize      = errors.New("crypto: bad salt size")
)
