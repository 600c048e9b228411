package crypto

// Sealed is a CryptBuf output: seed header, ciphertext and tag.
type Sealed struct {
	Header [HeaderSize]byte
	Body   []byte
	MAC    [MACSize]byte
}

// Seal encrypts a copy of plaintext under key, binding aad into the tag.
func Seal(key, aad, plaintext []byte) (Sealed, error) {
	var s Sealed
	var cb CryptBuf
	if err := cb.Init(s.Header[:], key, true, nil); err != nil {
		return Sealed{}, err
	}
	if err := cb.AddAuthData(aad); err != nil {
		return Sealed{}, err
	}
	s.Body = append([]byte(nil), plaintext...)
	if err := cb.AddData(s.Body); err != nil {
		return Sealed{}, err
	}
	if err := cb.Finalize(s.MAC[:]); err != nil {
		return Sealed{}, err
	}
	return s, nil
}

// Open decrypts a copy of s.Body. The plaintext is only returned when the
// tag matches.
func Open(key, aad []byte, s Sealed) ([]byte, error) {
	var cb CryptBuf
	hdr := s.Header
	if err := cb.Init(hdr[:], key, false, nil); err != nil {
		return nil, err
	}
	if err := cb.AddAuthData(aad); err != nil {
		return nil, err
	}
	out := append([]byte(nil), s.Body...)
	if err := cb.AddData(out); err != nil {
		return nil, err
	}
	ok, err := cb.Verify(s.MAC[:])
	if err != nil {
		return nil, err
	}
	if !ok {
		Wipe(out)
		return nil, ErrMAC
	}
	return out, nil
}
