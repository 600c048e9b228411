package proto

import (
	"encoding/binary"
	"net/netip"
)

// Message is a fixed-capacity datagram slot: the raw bytes (kind tag first)
// plus the peer address they came from or go to.
type Message struct {
	Addr netip.AddrPort
	n    int
	buf  [MaxDatagram]byte
}

// Buffer exposes the full backing array for a socket read.
func (m *Message) Buffer() []byte { return m.buf[:] }

// SetLen records how many bytes of Buffer are valid.
func (m *Message) SetLen(n int) error {
	if n < 0 || n > MaxDatagram {
		return ErrOversize
	}
	m.n = n
	return nil
}

func (m *Message) Len() int { return m.n }

func (m *Message) Bytes() []byte { return m.buf[:m.n] }

// Kind reads the tag without validating the rest of the datagram.
func (m *Message) Kind() (Kind, error) {
	if m.n < KindSize {
		return 0, &DecodeError{Field: "kind", Err: ErrTruncated}
	}
	k := Kind(binary.BigEndian.Uint32(m.buf[:KindSize]))
	if !k.Valid() {
		return k, &DecodeError{Field: "kind", Err: ErrUnknownKind}
	}
	return k, nil
}

// Set replaces the contents with b.
func (m *Message) Set(b []byte, addr netip.AddrPort) error {
	if len(b) > MaxDatagram {
		return ErrOversize
	}
	m.n = copy(m.buf[:], b)
	m.Addr = addr
	return nil
}

// CopyTo duplicates the valid bytes and the address into dst.
func (m *Message) CopyTo(dst *Message) {
	dst.n = copy(dst.buf[:], m.buf[:m.n])
	dst.Addr = m.Addr
}

func (m *Message) Reset() {
	m.n = 0
	m.Addr = netip.AddrPort{}
}
