package proto

import "encoding/binary"

func pad4(n int) int { return (4 - n%4) % 4 }

// Encoder appends XDR-style records: big-endian integers, 4-byte aligned
// opaques. The first error sticks.
type Encoder struct {
	buf []byte
	err error
}

func NewEncoder(dst []byte) *Encoder {
	return &Encoder{buf: dst[:0]}
}

func (e *Encoder) grow(n int) bool {
	if e.err != nil {
		return false
	}
	if len(e.buf)+n > MaxDatagram {
		e.err = ErrOversize
		return false
	}
	return true
}

func (e *Encoder) Uint32(v uint32) {
	if e.grow(4) {
		e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	}
}

func (e *Encoder) Uint64(v uint64) {
	if e.grow(8) {
		e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	}
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
		return
	}
	e.Uint32(0)
}

// Fixed writes b without a length prefix, padded to 4.
func (e *Encoder) Fixed(b []byte) {
	p := pad4(len(b))
	if e.grow(len(b) + p) {
		e.buf = append(e.buf, b...)
		e.buf = append(e.buf, make([]byte, p)...)
	}
}

// Opaque writes a uint32 length then the padded bytes.
func (e *Encoder) Opaque(b []byte) {
	e.Uint32(uint32(len(b)))
	e.Fixed(b)
}

func (e *Encoder) String(s string) {
	e.Opaque([]byte(s))
}

func (e *Encoder) Err() error { return e.err }

func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// Decoder reads what Encoder writes. Every length is checked against the
// remaining input before it is used.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	if len(b) > MaxDatagram {
		return &Decoder{err: &DecodeError{Field: "datagram", Err: ErrOversize}}
	}
	return &Decoder{buf: b}
}

func (d *Decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = &DecodeError{Field: field, Offset: d.off, Err: err}
	}
}

func (d *Decoder) take(field string, n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf)-d.off {
		d.fail(field, ErrTruncated)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) skipPad(field string, n int) {
	p := d.take(field, pad4(n))
	for _, v := range p {
		if v != 0 {
			d.off -= len(p)
			d.fail(field, ErrBadPadding)
			return
		}
	}
}

func (d *Decoder) Uint32(field string) uint32 {
	b := d.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Uint64(field string) uint64 {
	b := d.take(field, 8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Bool(field string) bool {
	switch d.Uint32(field) {
	case 0:
		return false
	case 1:
		return true
	}
	d.off -= 4
	d.fail(field, ErrBadBool)
	return false
}

// Fixed fills dst from the input and consumes its padding.
func (d *Decoder) Fixed(field string, dst []byte) {
	b := d.take(field, len(dst))
	if b == nil {
		return
	}
	copy(dst, b)
	d.skipPad(field, len(dst))
}

// Opaque returns a copy of a length-prefixed field of at most max bytes.
func (d *Decoder) Opaque(field string, max int) []byte {
	n := d.Uint32(field)
	if d.err != nil {
		return nil
	}
	if uint64(n) > uint64(max) {
		d.off -= 4
		d.fail(field, ErrTooLong)
		return nil
	}
	b := d.take(field, int(n))
	if b == nil {
		return nil
	}
	out := append([]byte(nil), b...)
	d.skipPad(field, int(n))
	return out
}

func (d *Decoder) String(field string, max int) string {
	return string(d.Opaque(field, max))
}

func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) Err() error { return d.err }

// Finish fails on unread input.
func (d *Decoder) Finish() error {
	if d.err == nil && d.off != len(d.buf) {
		d.fail("trailer", ErrTrailing)
	}
	return d.err
}
