// Package store keeps the session journal: an append-only JSONL file that
// records every session registration, rotation and expiry so a restarted
// server can resume the salt chain where it stopped.
package store

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ollehd/internal/crypto"
)

type Op string

const (
	OpRegister Op = "register"
	OpRotate   Op = "rotate"
	OpExpire   Op = "expire"
)

const maxScanSize = 64 * 1024

var rename = os.Rename

var (
	ErrClosed  = errors.New("store: journal closed")
	ErrSealKey = errors.New("store: seal key must be 32 bytes")
	ErrNoKey   = errors.New("store: register record without session key")
)

// Record is one journal line. SessionKey is never written in the clear: it
// is sealed into SealedKey, bound to the record's salt.
type Record struct {
	Op        Op          `json:"op"`
	Salt      crypto.Salt `json:"salt"`
	NewSalt   crypto.Salt `json:"new_salt,omitzero"`
	PeerSalt  crypto.Salt `json:"peer_salt,omitzero"`
	Addr      string      `json:"addr,omitempty"`
	Login     string      `json:"login,omitempty"`
	Multicast bool        `json:"multicast,omitempty"`
	Rounds    uint64      `json:"rounds,omitempty"`
	SealedKey string      `json:"sealed_key,omitempty"`
	At        time.Time   `json:"at"`

	SessionKey []byte `json:"-"`
}

type Journal struct {
	mu   sync.Mutex
	path string
	key  []byte
	f    *os.File
	n    int
}

// Open creates or reopens the journal at path. sealKey protects the session
// keys at rest.
func Open(path string, sealKey []byte) (*Journal, error) {
	if len(sealKey) != crypto.XKeySize {
		return nil, ErrSealKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "store: mkdir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	return &Journal{path: path, key: append([]byte(nil), sealKey...), f: f}, nil
}

func (j *Journal) Path() string { return j.path }

// Len is the number of records appended since Open or the last Compact.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

func aad(s crypto.Salt) []byte {
	return append([]byte("ollehd:journal:"), s[:]...)
}

func (j *Journal) seal(r *Record) error {
	if r.Op != OpRegister {
		return nil
	}
	if len(r.SessionKey) == 0 {
		return ErrNoKey
	}
	sealed, err := crypto.SealAtRest(j.key, r.SessionKey, aad(r.Salt))
	if err != nil {
		return errors.Wrap(err, "store: seal")
	}
	r.SealedKey = hex.EncodeToString(sealed)
	return nil
}

func (j *Journal) open(r *Record) error {
	if r.Op != OpRegister {
		return nil
	}
	sealed, err := hex.DecodeString(r.SealedKey)
	if err != nil {
		return errors.Wrap(err, "store: sealed key")
	}
	if r.SessionKey, err = crypto.OpenAtRest(j.key, sealed, aad(r.Salt)); err != nil {
		return errors.Wrapf(err, "store: open key for %s", r.Salt)
	}
	return nil
}

// Append writes r and fsyncs before returning.
func (j *Journal) Append(r Record) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if err := j.seal(&r); err != nil {
		return err
	}
	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "store: encode")
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}
	if _, err := j.f.Write(line); err != nil {
		return errors.Wrap(err, "store: write")
	}
	if err := syncFile(j.f); err != nil {
		return errors.Wrap(err, "store: sync")
	}
	j.n++
	return nil
}

// Replay feeds every readable record to fn in file order. Lines that do not
// parse, such as a torn final write, are skipped; a sealed key that does not
// open is an error.
func (j *Journal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "store: open for replay")
	}
	defer f.Close()

	sc := newScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if err := j.open(&r); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return errors.Wrap(sc.Err(), "store: scan")
}

// Compact replaces the journal with live, which should hold one register
// record per surviving session.
func (j *Journal) Compact(live []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return ErrClosed
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "store: compact")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range live {
		if r.At.IsZero() {
			r.At = time.Now().UTC()
		}
		err := j.seal(&r)
		if err == nil {
			err = enc.Encode(r)
		}
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return errors.Wrap(err, "store: compact")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "store: compact")
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "store: compact")
	}
	// Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "store: compact")
	}
	_ = j.f.Close()
	j.f = nil
	if err := rename(tmp, j.path); err != nil {
		_ = os.Remove(tmp)
		if rerr := j.reopen(); rerr != nil {
			return errors.Wrap(rerr, "store: reopen after failed compact")
		}
		return errors.Wrap(err, "store: compact rename")
	}
	syncDir(j.path)

	if err := j.reopen(); err != nil {
		return err
	}
	j.n = 0
	return nil
}

func (j *Journal) reopen() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "store: reopen")
	}
	j.f = f
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	crypto.Wipe(j.key)
	return err
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
