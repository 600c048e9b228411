package session

import (
	"net/netip"

	"github.com/pkg/errors"

	"ollehd/internal/store"
)

// Restore rebuilds the table from the configured journal. It must run before
// the store is handed to a receiver.
func (s *Store) Restore() (int, error) {
	j := s.opts.Journal
	if j == nil {
		return 0, nil
	}
	err := j.Replay(func(r store.Record) error {
		switch r.Op {
		case store.OpRegister:
			addr, _ := netip.ParseAddrPort(r.Addr)
			s.shard(r.Salt).m[r.Salt] = &Session{
				Salt:      r.Salt,
				PeerSalt:  r.PeerSalt,
				Key:       r.SessionKey,
				Addr:      addr,
				Login:     r.Login,
				Multicast: r.Multicast,
				Rounds:    r.Rounds,
				Created:   r.At,
				Touched:   r.At,
			}
		case store.OpRotate:
			from := s.shard(r.Salt)
			sess, ok := from.m[r.Salt]
			if !ok {
				return nil
			}
			delete(from.m, r.Salt)
			sess.Salt = r.NewSalt
			sess.Rounds++
			sess.Touched = r.At
			s.shard(r.NewSalt).m[r.NewSalt] = sess
		case store.OpExpire:
			delete(s.shard(r.Salt).m, r.Salt)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "session: restore")
	}
	return s.Len(), nil
}

// Compact rewrites the journal to one register record per live session.
func (s *Store) Compact() error {
	j := s.opts.Journal
	if j == nil {
		return nil
	}
	for i := range s.shards {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for i := range s.shards {
			s.shards[i].mu.Unlock()
		}
	}()
	var live []store.Record
	for i := range s.shards {
		for _, sess := range s.shards[i].m {
			live = append(live, registerRecord(sess))
		}
	}
	return errors.Wrap(j.Compact(live), "session: compact")
}
