package server

import (
	"crypto/subtle"
	"encoding/base64"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"ollehd/internal/config"
	"ollehd/internal/crypto"
	"ollehd/internal/handler"
)

const (
	hashPrefix   = "argon2id"
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

var ErrBadHash = errors.New("server: malformed password hash")

// HashPassword returns "argon2id$<salt>$<hash>" with unpadded base64 parts.
func HashPassword(pass string) (string, error) {
	salt, err := crypto.RandomBytes(argonSaltLen)
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(pass), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	enc := base64.RawStdEncoding
	return hashPrefix + "$" + enc.EncodeToString(salt) + "$" + enc.EncodeToString(sum), nil
}

type passHash struct {
	salt []byte
	sum  []byte
}

func parseHash(s string) (passHash, error) {
	parts := strings.Split(strings.TrimSpace(s), "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return passHash{}, ErrBadHash
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return passHash{}, ErrBadHash
	}
	sum, err := enc.DecodeString(parts[2])
	if err != nil || len(sum) != argonKeyLen {
		return passHash{}, ErrBadHash
	}
	return passHash{salt: salt, sum: sum}, nil
}

func (h passHash) verify(pass string) bool {
	got := argon2.IDKey([]byte(pass), h.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, h.sum) == 1
}

func VerifyPassword(hash, pass string) bool {
	h, err := parseHash(hash)
	return err == nil && h.verify(pass)
}

// Creds checks logins against the [[user]] table.
type Creds struct {
	users map[string]passHash
	// dummy keeps unknown logins as slow as known ones.
	dummy passHash
}

var _ handler.CredsValidator = (*Creds)(nil)

func NewCreds(users []config.User) (*Creds, error) {
	c := &Creds{users: make(map[string]passHash, len(users))}
	for _, u := range users {
		h, err := parseHash(u.PassHash)
		if err != nil {
			return nil, errors.Wrapf(err, "user %q", u.Login)
		}
		c.users[u.Login] = h
	}
	c.dummy = passHash{salt: make([]byte, argonSaltLen), sum: make([]byte, argonKeyLen)}
	return c, nil
}

func (c *Creds) Len() int { return len(c.users) }

func (c *Creds) ValidCreds(_ crypto.PublicKey, _ netip.AddrPort, login, pass string) bool {
	h, ok := c.users[login]
	if !ok {
		c.dummy.verify(pass)
		return false
	}
	return h.verify(pass)
}
