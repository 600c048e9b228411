package crypto

import (
	"crypto/rand"
	"encoding/hex"
)

const SaltSize = 8

// Salt is the rotating per-round token. On the wire it doubles as the
// session lookup key.
type Salt [SaltSize]byte

func NewSalt() (Salt, error) {
	var s Salt
	for s.IsZero() {
		if _, err := rand.Read(s[:]); err != nil {
			return Salt{}, err
		}
	}
	return s, nil
}

func (s Salt) IsZero() bool { return s == Salt{} }

func (s Salt) String() string { return hex.EncodeToString(s[:]) }

func ParseSalt(v string) (Salt, error) {
	var s Salt
	b, err := hex.DecodeString(v)
	if err != nil {
		return s, err
	}
	if len(b) != SaltSize {
		return s, ErrSaltSize
	}
	copy(s[:], b)
	return s, nil
}

func (s Salt) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Salt) UnmarshalText(b []byte) error {
	v, err := ParseSalt(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
