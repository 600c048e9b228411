package proto

import "ollehd/internal/crypto"

const (
	MaxCurveName  = 32
	MaxLogin      = 255
	MaxPass       = 255
	MinSessionKey = crypto.MinKeySize
	MaxSessionKey = 64
	ConfirmSize   = 32
	MaxSealedBody = MaxDatagram - 256
)

// Payload is a record that can be carried after a kind tag or inside a
// sealed body.
type Payload interface {
	MarshalXDR(e *Encoder)
	UnmarshalXDR(d *Decoder)
}

// Marshal encodes kind followed by p.
func Marshal(kind Kind, p Payload) ([]byte, error) {
	e := NewEncoder(make([]byte, 0, 512))
	e.Uint32(uint32(kind))
	p.MarshalXDR(e)
	return e.Bytes()
}

// Unmarshal decodes a full datagram into p and returns its kind. Trailing
// bytes are an error.
func Unmarshal(b []byte, p Payload) (Kind, error) {
	d := NewDecoder(b)
	kind := Kind(d.Uint32("kind"))
	if err := d.Err(); err != nil {
		return 0, err
	}
	if !kind.Valid() {
		return kind, &DecodeError{Field: "kind", Err: ErrUnknownKind}
	}
	p.UnmarshalXDR(d)
	return kind, d.Finish()
}

// EncodeBody encodes p with no kind tag, for sealing.
func EncodeBody(p Payload) ([]byte, error) {
	e := NewEncoder(make([]byte, 0, 256))
	p.MarshalXDR(e)
	return e.Bytes()
}

func DecodeBody(b []byte, p Payload) error {
	d := NewDecoder(b)
	p.UnmarshalXDR(d)
	return d.Finish()
}

func prefix(kind Kind, fn func(e *Encoder)) []byte {
	e := NewEncoder(make([]byte, 0, 128))
	e.Uint32(uint32(kind))
	if fn != nil {
		fn(e)
	}
	b, _ := e.Bytes()
	return b
}

// -----------------------------------------------------------------------------
// shared fields
// -----------------------------------------------------------------------------

func putKey(e *Encoder, k crypto.PublicKey) {
	e.String(k.Curve)
	e.Opaque(k.Point)
}

func getKey(d *Decoder, field string) crypto.PublicKey {
	return crypto.PublicKey{
		Curve: d.String(field+".curve", MaxCurveName),
		Point: d.Opaque(field+".point", crypto.MaxPointSize),
	}
}

func putSealed(e *Encoder, s crypto.Sealed) {
	e.Fixed(s.Header[:])
	e.Opaque(s.Body)
	e.Fixed(s.MAC[:])
}

func getSealed(d *Decoder) crypto.Sealed {
	var s crypto.Sealed
	d.Fixed("sealed.header", s.Header[:])
	s.Body = d.Opaque("sealed.body", MaxSealedBody)
	d.Fixed("sealed.mac", s.MAC[:])
	return s
}

func putSalt(e *Encoder, s crypto.Salt) { e.Fixed(s[:]) }

func getSalt(d *Decoder, field string) crypto.Salt {
	var s crypto.Salt
	d.Fixed(field, s[:])
	return s
}

// Block is the fixed 1024-byte application payload of a DATA round.
type Block struct {
	Len  int
	Data [BlockSize]byte
}

// NewBlock copies p into a block. Longer inputs are rejected.
func NewBlock(p []byte) (Block, error) {
	var b Block
	if len(p) > BlockSize {
		return b, ErrTooLong
	}
	b.Len = copy(b.Data[:], p)
	return b, nil
}

func (b *Block) Bytes() []byte { return b.Data[:b.Len] }

func (b *Block) MarshalXDR(e *Encoder) {
	e.Uint32(uint32(b.Len))
	e.Fixed(b.Data[:])
}

func (b *Block) UnmarshalXDR(d *Decoder) {
	n := d.Uint32("block.len")
	if d.Err() == nil && n > BlockSize {
		d.off -= 4
		d.fail("block.len", ErrTooLong)
		return
	}
	b.Len = int(n)
	d.Fixed("block.data", b.Data[:])
}

// -----------------------------------------------------------------------------
// HELLO / OLLEH
// -----------------------------------------------------------------------------

type Hello struct {
	Key crypto.PublicKey
}

func (h *Hello) MarshalXDR(e *Encoder)   { putKey(e, h.Key) }
func (h *Hello) UnmarshalXDR(d *Decoder) { h.Key = getKey(d, "hello.key") }

// Olleh answers a HELLO. Static is set when the policy bound a long-term
// server key instead of the instance key.
type Olleh struct {
	Key       crypto.PublicKey
	NeedLogin bool
	NeedPass  bool
	Static    bool
}

func (o *Olleh) MarshalXDR(e *Encoder) {
	putKey(e, o.Key)
	e.Bool(o.NeedLogin)
	e.Bool(o.NeedPass)
	e.Bool(o.Static)
}

func (o *Olleh) UnmarshalXDR(d *Decoder) {
	o.Key = getKey(d, "olleh.key")
	o.NeedLogin = d.Bool("olleh.need_login")
	o.NeedPass = d.Bool("olleh.need_pass")
	o.Static = d.Bool("olleh.static")
}

// -----------------------------------------------------------------------------
// AUTH / HTUA
// -----------------------------------------------------------------------------

// Auth carries the client key in the clear so the server can pick the
// matching agreement key, and everything else sealed.
type Auth struct {
	Key    crypto.PublicKey
	Sealed crypto.Sealed
}

func (a *Auth) MarshalXDR(e *Encoder) {
	putKey(e, a.Key)
	putSealed(e, a.Sealed)
}

func (a *Auth) UnmarshalXDR(d *Decoder) {
	a.Key = getKey(d, "auth.key")
	a.Sealed = getSealed(d)
}

// AAD is the clear prefix bound into the sealed body.
func (a *Auth) AAD(kind Kind) []byte {
	return prefix(kind, func(e *Encoder) { putKey(e, a.Key) })
}

type AuthBody struct {
	Key        crypto.PublicKey
	Login      string
	Pass       string
	SessionKey []byte
	Salt       crypto.Salt
}

func (b *AuthBody) MarshalXDR(e *Encoder) {
	putKey(e, b.Key)
	e.String(b.Login)
	e.String(b.Pass)
	e.Opaque(b.SessionKey)
	putSalt(e, b.Salt)
}

func (b *AuthBody) UnmarshalXDR(d *Decoder) {
	b.Key = getKey(d, "auth.body.key")
	b.Login = d.String("auth.body.login", MaxLogin)
	b.Pass = d.String("auth.body.pass", MaxPass)
	b.SessionKey = d.Opaque("auth.body.session_key", MaxSessionKey)
	if d.Err() == nil && len(b.SessionKey) < MinSessionKey {
		d.fail("auth.body.session_key", ErrTruncated)
	}
	b.Salt = getSalt(d, "auth.body.salt")
}

type Htua struct {
	Sealed crypto.Sealed
}

func (h *Htua) MarshalXDR(e *Encoder)   { putSealed(e, h.Sealed) }
func (h *Htua) UnmarshalXDR(d *Decoder) { h.Sealed = getSealed(d) }

func (h *Htua) AAD(kind Kind) []byte { return prefix(kind, nil) }

type HtuaBody struct {
	PeerSalt crypto.Salt
	MySalt   crypto.Salt
	Confirm  []byte
}

func (b *HtuaBody) MarshalXDR(e *Encoder) {
	putSalt(e, b.PeerSalt)
	putSalt(e, b.MySalt)
	e.Opaque(b.Confirm)
}

func (b *HtuaBody) UnmarshalXDR(d *Decoder) {
	b.PeerSalt = getSalt(d, "htua.body.peer_salt")
	b.MySalt = getSalt(d, "htua.body.my_salt")
	b.Confirm = d.Opaque("htua.body.confirm", ConfirmSize)
}

// -----------------------------------------------------------------------------
// DATA / SALT
// -----------------------------------------------------------------------------

// Data presents the salt agreed last round in the clear as the session
// lookup token.
type Data struct {
	OldSalt crypto.Salt
	Sealed  crypto.Sealed
}

func (m *Data) MarshalXDR(e *Encoder) {
	putSalt(e, m.OldSalt)
	putSealed(e, m.Sealed)
}

func (m *Data) UnmarshalXDR(d *Decoder) {
	m.OldSalt = getSalt(d, "data.old_salt")
	m.Sealed = getSealed(d)
}

func (m *Data) AAD() []byte {
	return prefix(KindData, func(e *Encoder) { putSalt(e, m.OldSalt) })
}

// Salt is the server's answer to Data. NewSalt in the clear lets the client
// match it to the round it sent.
type Salt struct {
	NewSalt crypto.Salt
	Sealed  crypto.Sealed
}

func (m *Salt) MarshalXDR(e *Encoder) {
	putSalt(e, m.NewSalt)
	putSealed(e, m.Sealed)
}

func (m *Salt) UnmarshalXDR(d *Decoder) {
	m.NewSalt = getSalt(d, "salt.new_salt")
	m.Sealed = getSealed(d)
}

func (m *Salt) AAD() []byte {
	return prefix(KindSalt, func(e *Encoder) { putSalt(e, m.NewSalt) })
}

// RoundBody is the sealed part of both DATA and SALT.
type RoundBody struct {
	NewSalt crypto.Salt
	Block   Block
}

func (b *RoundBody) MarshalXDR(e *Encoder) {
	putSalt(e, b.NewSalt)
	b.Block.MarshalXDR(e)
}

func (b *RoundBody) UnmarshalXDR(d *Decoder) {
	b.NewSalt = getSalt(d, "round.new_salt")
	b.Block.UnmarshalXDR(d)
}
