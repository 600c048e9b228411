package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Suite
//
// - ECDH over named curves (crypto/ecdh, btcec for secp256k1)
// - wire bodies: ChaCha20 stream + keyed BLAKE2b-128 tag (CryptBuf)
// - key derivation: length-prefixed SHA3-256 with a label
// - at rest: XChaCha20-Poly1305, nonce prepended
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

// -----------------------------------------------------------------------------
// Label KDF
// -----------------------------------------------------------------------------

// KDF hashes label and parts. Each part is length-prefixed so that
// ("ab","c") and ("a","bc") derive different keys.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	var n [4]byte
	put := func(b []byte) {
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	put([]byte(label))
	for _, p := range parts {
		put(p)
	}
	return h.Sum(nil)
}

// -----------------------------------------------------------------------------
// At-rest sealing
// -----------------------------------------------------------------------------

// SealAtRest encrypts plaintext under a 32-byte key and returns
// nonce || ciphertext.
func SealAtRest(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(ErrKeySize, err.Error())
	}
	out := make([]byte, XNonceSize, XNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:XNonceSize], plaintext, aad), nil
}

// OpenAtRest reverses SealAtRest.
func OpenAtRest(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(ErrKeySize, err.Error())
	}
	if len(sealed) < XNonceSize+aead.Overhead() {
		return nil, ErrBuffer
	}
	pt, err := aead.Open(nil, sealed[:XNonceSize], sealed[XNonceSize:], aad)
	if err != nil {
		return nil, ErrMAC
	}
	return pt, nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	clear(b)
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
