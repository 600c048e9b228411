package crypto

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	PubFile  = "ollehd.pub"
	PrivFile = "ollehd.key"
)

// SaveKeyPair writes "<curve> <base58>" lines for the public point and the
// private scalar into dir.
func SaveKeyPair(dir string, kp *KeyPair) error {
	if kp == nil || kp.Private == nil || len(kp.Public.Point) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	c, err := lookupCurve(kp.Public.Curve)
	if err != nil {
		return err
	}
	priv := kp.Private.FillBytes(make([]byte, c.scalarSize()))
	defer Wipe(priv)
	pubLine := kp.Public.Curve + " " + base58.Encode(kp.Public.Point) + "\n"
	if err := os.WriteFile(filepath.Join(dir, PubFile), []byte(pubLine), 0644); err != nil {
		return err
	}
	privLine := kp.Public.Curve + " " + base58.Encode(priv) + "\n"
	return os.WriteFile(filepath.Join(dir, PrivFile), []byte(privLine), 0600)
}

// LoadKeyPair reads a pair written by SaveKeyPair and checks that the stored
// public point matches the scalar.
func LoadKeyPair(dir string) (*KeyPair, error) {
	curve, privRaw, err := readKeyLine(filepath.Join(dir, PrivFile))
	if err != nil {
		return nil, err
	}
	defer Wipe(privRaw)
	kp, err := KeyPairFromScalar(curve, new(big.Int).SetBytes(privRaw))
	if err != nil {
		return nil, errors.Wrap(err, "bad "+PrivFile)
	}
	pubCurve, pub, err := readKeyLine(filepath.Join(dir, PubFile))
	if err != nil {
		return nil, err
	}
	if pubCurve != kp.Public.Curve || !bytes.Equal(pub, kp.Public.Point) {
		return nil, errors.Errorf("%s does not match %s", PubFile, PrivFile)
	}
	return kp, nil
}

// LoadOrCreateKeyPair loads the pair in dir, generating and saving one on
// the given curve when none exists yet.
func LoadOrCreateKeyPair(dir, curve string) (*KeyPair, bool, error) {
	kp, err := LoadKeyPair(dir)
	if err == nil {
		return kp, false, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, false, err
	}
	kp, err = GenerateKeyPair(curve)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyPair(dir, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func readKeyLine(path string) (string, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return "", nil, errors.Errorf("bad %s", filepath.Base(path))
	}
	curve, err := CanonicalCurve(fields[0])
	if err != nil {
		return "", nil, err
	}
	b := base58.Decode(fields[1])
	if len(b) == 0 {
		return "", nil, errors.Errorf("bad %s", filepath.Base(path))
	}
	return curve, b, nil
}
