package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	HeaderSize = 16
	MACSize    = 16
	MinKeySize = 12
	MaxKeySize = 56
)

const cryptBufInfo = "ollehd:cryptbuf:v1"

// absorb tags, one per input class
const (
	tagSeed byte = 's'
	tagData byte = 'd'
	tagAuth byte = 'a'
	tagEnd  byte = 'f'
)

// CryptBuf encrypts or decrypts a sequence of buffers in place and produces
// a tag over the seed and every ciphertext chunk in call order. Both sides
// must feed identical chunk boundaries for the tags to match.
type CryptBuf struct {
	stream  *chacha20.Cipher
	mac     hash.Hash
	encrypt bool
	ready   bool
	total   uint64
}

// Init keys the buffer. On encrypt a nil seed is drawn from crypto/rand. On
// decrypt a nil seed is read from header. Whichever seed is used ends up in
// header[:HeaderSize]. Keys shorter than MinKeySize are rejected and keys
// longer than MaxKeySize are truncated.
func (c *CryptBuf) Init(header, key []byte, encrypt bool, seed []byte) error {
	c.ready = false
	if len(key) == 0 {
		return ErrNoKey
	}
	if len(key) < MinKeySize {
		return ErrKeySize
	}
	if len(key) > MaxKeySize {
		key = key[:MaxKeySize]
	}
	if len(header) < HeaderSize {
		return ErrBuffer
	}
	switch {
	case seed != nil:
		if len(seed) != HeaderSize {
			return ErrBuffer
		}
		copy(header, seed)
	case encrypt:
		if _, err := rand.Read(header[:HeaderSize]); err != nil {
			return err
		}
	}
	var seedBuf [HeaderSize]byte
	copy(seedBuf[:], header[:HeaderSize])

	var okm [chacha20.KeySize + chacha20.NonceSize + 32]byte
	defer Wipe(okm[:])
	if _, err := io.ReadFull(hkdf.New(sha3.New256, key, seedBuf[:], []byte(cryptBufInfo)), okm[:]); err != nil {
		return err
	}
	streamKey := okm[:chacha20.KeySize]
	nonce := okm[chacha20.KeySize : chacha20.KeySize+chacha20.NonceSize]
	macKey := okm[chacha20.KeySize+chacha20.NonceSize:]

	stream, err := chacha20.NewUnauthenticatedCipher(streamKey, nonce)
	if err != nil {
		return err
	}
	mac, err := blake2b.New(MACSize, macKey)
	if err != nil {
		return err
	}
	c.stream = stream
	c.mac = mac
	c.encrypt = encrypt
	c.total = 0
	c.ready = true
	c.absorb(tagSeed, seedBuf[:])
	return nil
}

func (c *CryptBuf) absorb(tag byte, p []byte) {
	var hdr [9]byte
	hdr[0] = tag
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(p)))
	c.mac.Write(hdr[:])
	c.mac.Write(p)
}

// AddData runs buf through the cipher in place.
func (c *CryptBuf) AddData(buf []byte) error {
	if !c.ready {
		return ErrNotReady
	}
	if c.encrypt {
		c.stream.XORKeyStream(buf, buf)
		c.absorb(tagData, buf)
	} else {
		c.absorb(tagData, buf)
		c.stream.XORKeyStream(buf, buf)
	}
	c.total += uint64(len(buf))
	return nil
}

// AddAuthData binds bytes that travel in the clear into the tag.
func (c *CryptBuf) AddAuthData(p []byte) error {
	if !c.ready {
		return ErrNotReady
	}
	c.absorb(tagAuth, p)
	return nil
}

// Finalize writes the tag into mac[:MACSize]. The buffer must be
// re-initialized before further use.
func (c *CryptBuf) Finalize(mac []byte) error {
	if !c.ready {
		return ErrNotReady
	}
	if len(mac) < MACSize {
		return ErrBuffer
	}
	var end [8]byte
	binary.BigEndian.PutUint64(end[:], c.total)
	c.absorb(tagEnd, end[:])
	sum := c.mac.Sum(nil)
	copy(mac, sum[:MACSize])
	c.reset()
	return nil
}

// Verify finalizes and compares against tag in constant time.
func (c *CryptBuf) Verify(tag []byte) (bool, error) {
	var got [MACSize]byte
	if err := c.Finalize(got[:]); err != nil {
		return false, err
	}
	return len(tag) == MACSize && subtle.ConstantTimeCompare(got[:], tag) == 1, nil
}

func (c *CryptBuf) reset() {
	c.stream = nil
	c.mac = nil
	c.ready = false
	c.total = 0
}
