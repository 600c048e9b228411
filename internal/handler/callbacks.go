package handler

import (
	"net/netip"

	"ollehd/internal/crypto"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// KeyValidator admits or rejects a peer public key.
type KeyValidator interface {
	ValidKey(k crypto.PublicKey) bool
}

type KeyValidatorFunc func(k crypto.PublicKey) bool

func (f KeyValidatorFunc) ValidKey(k crypto.PublicKey) bool { return f(k) }

// HelloDecision is the per-peer policy returned by a HelloPolicy. Static,
// when set, replaces the instance key for this peer; its private half never
// leaves the server.
type HelloDecision struct {
	NeedLogin bool
	NeedPass  bool
	Static    *crypto.KeyPair
}

type HelloPolicy interface {
	Hello(k crypto.PublicKey, addr netip.AddrPort) (HelloDecision, bool)
}

type HelloPolicyFunc func(k crypto.PublicKey, addr netip.AddrPort) (HelloDecision, bool)

func (f HelloPolicyFunc) Hello(k crypto.PublicKey, addr netip.AddrPort) (HelloDecision, bool) {
	return f(k, addr)
}

type CredsValidator interface {
	ValidCreds(k crypto.PublicKey, addr netip.AddrPort, login, pass string) bool
}

type CredsValidatorFunc func(k crypto.PublicKey, addr netip.AddrPort, login, pass string) bool

func (f CredsValidatorFunc) ValidCreds(k crypto.PublicKey, addr netip.AddrPort, login, pass string) bool {
	return f(k, addr, login, pass)
}

// AuthRequest is everything the client proved during AUTH.
type AuthRequest struct {
	Addr       netip.AddrPort
	Key        crypto.PublicKey
	Login      string
	Pass       string
	SessionKey []byte
	PeerSalt   crypto.Salt
	Multicast  bool
}

// AuthRegistrar creates the session and returns the server salt that the
// client presents on its first DATA round.
type AuthRegistrar interface {
	RegisterAuth(req AuthRequest) (crypto.Salt, bool)
}

type AuthRegistrarFunc func(req AuthRequest) (crypto.Salt, bool)

func (f AuthRegistrarFunc) RegisterAuth(req AuthRequest) (crypto.Salt, bool) { return f(req) }

// SessionLookup resolves the clear salt of a DATA datagram to a session key.
type SessionLookup interface {
	LookupSession(old crypto.Salt, addr netip.AddrPort) ([]byte, bool)
}

type SessionLookupFunc func(old crypto.Salt, addr netip.AddrPort) ([]byte, bool)

func (f SessionLookupFunc) LookupSession(old crypto.Salt, addr netip.AddrPort) ([]byte, bool) {
	return f(old, addr)
}

// DataRequest is one decrypted DATA round.
type DataRequest struct {
	OldSalt    crypto.Salt
	NewSalt    crypto.Salt
	Addr       netip.AddrPort
	SessionKey []byte
	Conn       recvr.PacketConn
	Payload    proto.Block
}

// DataHandler produces the reply block for a round. Returning false drops
// the round without rotating the session.
type DataHandler interface {
	HandleData(req *DataRequest) (proto.Block, bool)
}

type DataHandlerFunc func(req *DataRequest) (proto.Block, bool)

func (f DataHandlerFunc) HandleData(req *DataRequest) (proto.Block, bool) { return f(req) }

// SessionUpdater persists old -> new. It must fail if old is no longer the
// session's current salt, so a replayed round cannot rotate twice.
type SessionUpdater interface {
	UpdateSession(old, new crypto.Salt, addr netip.AddrPort, key []byte) bool
}

type SessionUpdaterFunc func(old, new crypto.Salt, addr netip.AddrPort, key []byte) bool

func (f SessionUpdaterFunc) UpdateSession(old, new crypto.Salt, addr netip.AddrPort, key []byte) bool {
	return f(old, new, addr, key)
}

// SessionStore bundles the three session callbacks.
type SessionStore interface {
	AuthRegistrar
	SessionLookup
	SessionUpdater
}

// Echo returns the payload unchanged.
var Echo = DataHandlerFunc(func(req *DataRequest) (proto.Block, bool) {
	return req.Payload, true
})

var validKey = KeyValidatorFunc(func(k crypto.PublicKey) bool {
	return crypto.ValidatePublicKey(k) == nil
})

var openPolicy = HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (HelloDecision, bool) {
	return HelloDecision{}, true
})

var anyCreds = CredsValidatorFunc(func(crypto.PublicKey, netip.AddrPort, string, string) bool {
	return true
})
