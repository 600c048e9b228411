// Package session is the server's session table. It implements the
// register, lookup and update callbacks of the handler package. A session is
// keyed by the salt the client must present next; rotation is a
// compare-and-swap on that salt, so of several DATA rounds racing on the same
// salt exactly one can advance it.
package session

import (
	"crypto/subtle"
	"net/netip"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"ollehd/internal/crypto"
	"ollehd/internal/debuglog"
	"ollehd/internal/handler"
	"ollehd/internal/store"
)

const shardCount = 16

// mintAttempts bounds the search for an unused salt.
const mintAttempts = 8

// Session is the server's view of one authenticated peer.
type Session struct {
	Salt      crypto.Salt
	PeerSalt  crypto.Salt
	Key       []byte
	Addr      netip.AddrPort
	Login     string
	Multicast bool
	Rounds    uint64
	Created   time.Time
	Touched   time.Time
}

type Options struct {
	// RequireSameAddr rejects DATA from any address other than the one that
	// authenticated.
	RequireSameAddr bool
	Journal         *store.Journal
	Log             *debuglog.Logger
	Now             func() time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[crypto.Salt]*Session
}

type Store struct {
	opts   Options
	shards [shardCount]shard
}

var _ handler.SessionStore = (*Store)(nil)

func New(opts Options) *Store {
	if opts.Log == nil {
		opts.Log = debuglog.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{opts: opts}
	for i := range s.shards {
		s.shards[i].m = make(map[crypto.Salt]*Session)
	}
	return s
}

func shardIndex(salt crypto.Salt) int {
	return int(xxhash.Checksum64(salt[:]) % shardCount)
}

func (s *Store) shard(salt crypto.Salt) *shard {
	return &s.shards[shardIndex(salt)]
}

// RegisterAuth stores a new session and returns the salt the client must
// present on its first DATA round.
func (s *Store) RegisterAuth(req handler.AuthRequest) (crypto.Salt, bool) {
	if len(req.SessionKey) == 0 {
		return crypto.Salt{}, false
	}
	now := s.opts.Now()
	for range mintAttempts {
		salt, err := crypto.NewSalt()
		if err != nil {
			s.opts.Log.Warnf("session: mint salt: %v", err)
			return crypto.Salt{}, false
		}
		if salt == req.PeerSalt {
			continue
		}
		sh := s.shard(salt)
		sh.mu.Lock()
		if _, taken := sh.m[salt]; taken {
			sh.mu.Unlock()
			continue
		}
		sess := &Session{
			Salt:      salt,
			PeerSalt:  req.PeerSalt,
			Key:       append([]byte(nil), req.SessionKey...),
			Addr:      req.Addr,
			Login:     req.Login,
			Multicast: req.Multicast,
			Created:   now,
			Touched:   now,
		}
		if err := s.journal(registerRecord(sess)); err != nil {
			sh.mu.Unlock()
			s.opts.Log.Warnf("session: journal register: %v", err)
			return crypto.Salt{}, false
		}
		sh.m[salt] = sess
		sh.mu.Unlock()
		return salt, true
	}
	return crypto.Salt{}, false
}

// LookupSession returns a copy of the session key registered under old.
func (s *Store) LookupSession(old crypto.Salt, addr netip.AddrPort) ([]byte, bool) {
	sh := s.shard(old)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.m[old]
	if !ok || !s.addrOK(sess, addr) {
		return nil, false
	}
	return append([]byte(nil), sess.Key...), true
}

// UpdateSession moves the session from old to next if old is still current,
// next is unused, and key and addr match. The rotation is journaled before
// it becomes visible.
func (s *Store) UpdateSession(old, next crypto.Salt, addr netip.AddrPort, key []byte) bool {
	if next.IsZero() || next == old {
		return false
	}
	a, b := shardIndex(old), shardIndex(next)
	unlock := s.lockPair(a, b)
	defer unlock()

	from, to := &s.shards[a], &s.shards[b]
	sess, ok := from.m[old]
	if !ok || !s.addrOK(sess, addr) {
		return false
	}
	if subtle.ConstantTimeCompare(sess.Key, key) != 1 {
		return false
	}
	if _, taken := to.m[next]; taken {
		return false
	}
	if err := s.journal(store.Record{Op: store.OpRotate, Salt: old, NewSalt: next}); err != nil {
		s.opts.Log.Warnf("session: journal rotate: %v", err)
		return false
	}
	delete(from.m, old)
	sess.Salt = next
	sess.Rounds++
	sess.Touched = s.opts.Now()
	to.m[next] = sess
	return true
}

// lockPair locks two shards in index order.
func (s *Store) lockPair(a, b int) func() {
	if a == b {
		s.shards[a].mu.Lock()
		return s.shards[a].mu.Unlock
	}
	if a > b {
		a, b = b, a
	}
	s.shards[a].mu.Lock()
	s.shards[b].mu.Lock()
	return func() {
		s.shards[b].mu.Unlock()
		s.shards[a].mu.Unlock()
	}
}

func (s *Store) addrOK(sess *Session, addr netip.AddrPort) bool {
	return !s.opts.RequireSameAddr || sess.Addr == addr
}

func (s *Store) journal(r store.Record) error {
	if s.opts.Journal == nil {
		return nil
	}
	return s.opts.Journal.Append(r)
}

// Get returns a copy of the session currently keyed by salt.
func (s *Store) Get(salt crypto.Salt) (Session, bool) {
	sh := s.shard(salt)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.m[salt]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Key = append([]byte(nil), sess.Key...)
	return out, true
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// Drop forgets the session keyed by salt.
func (s *Store) Drop(salt crypto.Salt) bool {
	sh := s.shard(salt)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.m[salt]
	if !ok {
		return false
	}
	s.expire(sh, sess)
	return true
}

// Sweep drops sessions untouched for longer than idle and returns how many
// were removed.
func (s *Store) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-idle)
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sess := range sh.m {
			if sess.Touched.Before(cutoff) {
				s.expire(sh, sess)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) expire(sh *shard, sess *Session) {
	delete(sh.m, sess.Salt)
	crypto.Wipe(sess.Key)
	if err := s.journal(store.Record{Op: store.OpExpire, Salt: sess.Salt}); err != nil {
		s.opts.Log.Warnf("session: journal expire: %v", err)
	}
}

func registerRecord(sess *Session) store.Record {
	return store.Record{
		Op:         store.OpRegister,
		Salt:       sess.Salt,
		PeerSalt:   sess.PeerSalt,
		Addr:       sess.Addr.String(),
		Login:      sess.Login,
		Multicast:  sess.Multicast,
		Rounds:     sess.Rounds,
		At:         sess.Touched,
		SessionKey: sess.Key,
	}
}
