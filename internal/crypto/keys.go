package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const (
	CurveP256      = "prime256v1"
	CurveP384      = "secp384r1"
	CurveP521      = "secp521r1"
	CurveX25519    = "x25519"
	CurveSecp256k1 = "secp256k1"

	DefaultCurve = CurveP256

	MaxPointSize = 256
)

var curveAliases = map[string]string{
	"prime256v1": CurveP256,
	"p-256":      CurveP256,
	"p256":       CurveP256,
	"secp256r1":  CurveP256,
	"secp384r1":  CurveP384,
	"p-384":      CurveP384,
	"p384":       CurveP384,
	"secp521r1":  CurveP521,
	"p-521":      CurveP521,
	"p521":       CurveP521,
	"x25519":     CurveX25519,
	"curve25519": CurveX25519,
	"secp256k1":  CurveSecp256k1,
}

// CanonicalCurve resolves a curve name or alias.
func CanonicalCurve(name string) (string, error) {
	c, ok := curveAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", errors.Wrapf(ErrUnknownCurve, "%q", name)
	}
	return c, nil
}

// Curves lists the canonical names in a stable order.
func Curves() []string {
	return []string{CurveP256, CurveP384, CurveP521, CurveX25519, CurveSecp256k1}
}

type curveImpl interface {
	scalarSize() int
	generate() (priv, pub []byte, err error)
	public(priv []byte) ([]byte, error)
	check(pub []byte) error
	shared(priv, pub []byte) ([]byte, error)
}

func lookupCurve(name string) (curveImpl, error) {
	switch name {
	case CurveP256:
		return ecdhCurve{c: ecdh.P256(), size: 32}, nil
	case CurveP384:
		return ecdhCurve{c: ecdh.P384(), size: 48}, nil
	case CurveP521:
		return ecdhCurve{c: ecdh.P521(), size: 66}, nil
	case CurveX25519:
		return ecdhCurve{c: ecdh.X25519(), size: 32}, nil
	case CurveSecp256k1:
		return koblitzCurve{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownCurve, "%q", name)
}

type ecdhCurve struct {
	c    ecdh.Curve
	size int
}

func (e ecdhCurve) scalarSize() int { return e.size }

func (e ecdhCurve) generate() ([]byte, []byte, error) {
	k, err := e.c.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return k.Bytes(), k.PublicKey().Bytes(), nil
}

func (e ecdhCurve) public(priv []byte) ([]byte, error) {
	k, err := e.c.NewPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return k.PublicKey().Bytes(), nil
}

func (e ecdhCurve) check(pub []byte) error {
	_, err := e.c.NewPublicKey(pub)
	return err
}

func (e ecdhCurve) shared(priv, pub []byte) ([]byte, error) {
	k, err := e.c.NewPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	p, err := e.c.NewPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(ErrBadPoint, err.Error())
	}
	return k.ECDH(p)
}

type koblitzCurve struct{}

func (koblitzCurve) scalarSize() int { return 32 }

func (koblitzCurve) generate() ([]byte, []byte, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return k.Serialize(), k.PubKey().SerializeUncompressed(), nil
}

func (koblitzCurve) public(priv []byte) ([]byte, error) {
	if len(priv) != 32 || allZero(priv) {
		return nil, ErrNoPrivate
	}
	_, pub := btcec.PrivKeyFromBytes(priv)
	return pub.SerializeUncompressed(), nil
}

func (koblitzCurve) check(pub []byte) error {
	_, err := btcec.ParsePubKey(pub)
	return err
}

func (koblitzCurve) shared(priv, pub []byte) ([]byte, error) {
	p, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, errors.Wrap(ErrBadPoint, err.Error())
	}
	k, _ := btcec.PrivKeyFromBytes(priv)
	return btcec.GenerateSharedSecret(k, p), nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// PublicKey is a curve name plus the encoded point, as carried on the wire.
type PublicKey struct {
	Curve string
	Point []byte
}

func (k PublicKey) Equal(o PublicKey) bool {
	return k.Curve == o.Curve && bytes.Equal(k.Point, o.Point)
}

// Fingerprint is a stable digest of the key, used to index key bindings.
func (k PublicKey) Fingerprint() [32]byte {
	return sha3.Sum256(append([]byte(k.Curve+":"), k.Point...))
}

func (k PublicKey) String() string {
	fp := k.Fingerprint()
	return k.Curve + ":" + base58.Encode(fp[:8])
}

// ValidatePublicKey rejects unknown curves and points that do not decode on
// the named curve.
func ValidatePublicKey(k PublicKey) error {
	c, err := lookupCurve(k.Curve)
	if err != nil {
		return err
	}
	if len(k.Point) == 0 || len(k.Point) > MaxPointSize {
		return ErrBadPoint
	}
	if err := c.check(k.Point); err != nil {
		return errors.Wrap(ErrBadPoint, err.Error())
	}
	return nil
}

// KeyPair is a local key. The private scalar is kept as an integer and
// serialized at the curve's scalar width when used.
type KeyPair struct {
	Public  PublicKey
	Private *big.Int
}

func GenerateKeyPair(curve string) (*KeyPair, error) {
	name, err := CanonicalCurve(curve)
	if err != nil {
		return nil, err
	}
	c, _ := lookupCurve(name)
	priv, pub, err := c.generate()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	defer Wipe(priv)
	return &KeyPair{
		Public:  PublicKey{Curve: name, Point: pub},
		Private: new(big.Int).SetBytes(priv),
	}, nil
}

// KeyPairFromScalar rebuilds a key pair from a stored private scalar.
func KeyPairFromScalar(curve string, d *big.Int) (*KeyPair, error) {
	name, err := CanonicalCurve(curve)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Sign() <= 0 {
		return nil, ErrNoPrivate
	}
	c, _ := lookupCurve(name)
	if d.BitLen() > 8*c.scalarSize() {
		return nil, ErrNoPrivate
	}
	priv := d.FillBytes(make([]byte, c.scalarSize()))
	defer Wipe(priv)
	pub, err := c.public(priv)
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}
	return &KeyPair{
		Public:  PublicKey{Curve: name, Point: pub},
		Private: new(big.Int).Set(d),
	}, nil
}

// Shared runs ECDH against peer. Both keys must be on the same curve.
func (kp *KeyPair) Shared(peer PublicKey) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, ErrNoPrivate
	}
	if peer.Curve != kp.Public.Curve {
		return nil, ErrCurveMismatch
	}
	c, err := lookupCurve(kp.Public.Curve)
	if err != nil {
		return nil, err
	}
	priv := kp.Private.FillBytes(make([]byte, c.scalarSize()))
	defer Wipe(priv)
	return c.shared(priv, peer.Point)
}

func (kp *KeyPair) String() string {
	if kp == nil {
		return "<nil>"
	}
	return kp.Public.String()
}

// GoString keeps the scalar out of %#v output.
func (kp *KeyPair) GoString() string {
	return "crypto.KeyPair{" + kp.String() + "}"
}
