package client

import (
	"sync"

	"ollehd/internal/crypto"
)

// Session is the client half of an authenticated session. It only exists
// after a confirmed HTUA.
type Session struct {
	mu        sync.Mutex
	key       []byte
	salt      crypto.Salt
	pending   crypto.Salt
	rounds    uint64
	login     string
	multicast bool
}

// Salt is the token the next DATA round presents.
func (s *Session) Salt() crypto.Salt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salt
}

func (s *Session) Rounds() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

func (s *Session) Login() string   { return s.login }
func (s *Session) Multicast() bool { return s.multicast }

// Close wipes the session key; the session cannot be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Wipe(s.key)
	s.key = nil
}
