package handler

import (
	"bytes"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"ollehd/internal/crypto"
	"ollehd/internal/debuglog"
	"ollehd/internal/metrics"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

type sent struct {
	b  []byte
	to netip.AddrPort
}

type captureConn struct {
	mu  sync.Mutex
	out []sent
}

func (c *captureConn) ReadFrom([]byte) (int, netip.AddrPort, error) { return 0, netip.AddrPort{}, nil }
func (c *captureConn) SetReadDeadline(time.Time) error             { return nil }
func (c *captureConn) LocalAddr() netip.AddrPort                   { return netip.AddrPort{} }
func (c *captureConn) Close() error                                { return nil }

func (c *captureConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, sent{b: append([]byte(nil), b...), to: to})
	return len(b), nil
}

func (c *captureConn) take(t *testing.T) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(c.out))
	}
	b := c.out[0].b
	c.out = nil
	return b
}

func (c *captureConn) none(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) != 0 {
		t.Fatalf("expected no reply, got %d", len(c.out))
	}
}

var peerAddr = netip.MustParseAddrPort("127.0.0.1:5555")

func newShared() (*recvr.Shared, *captureConn, *metrics.Metrics) {
	c := &captureConn{}
	m := metrics.New()
	return &recvr.Shared{Conn: c, Log: debuglog.Nop(), Metrics: m}, c, m
}

func datagram(t *testing.T, kind proto.Kind, p proto.Payload) *proto.Message {
	t.Helper()
	b, err := proto.Marshal(kind, p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m proto.Message
	_ = m.Set(b, peerAddr)
	return &m
}

func mustKey(t *testing.T, curve string) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(curve)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp
}

// memStore is a minimal session store for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[crypto.Salt][]byte
	failNext bool
	lastReq  AuthRequest
}

func newMemStore() *memStore { return &memStore{sessions: make(map[crypto.Salt][]byte)} }

func (s *memStore) RegisterAuth(req AuthRequest) (crypto.Salt, bool) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return salt, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[salt] = append([]byte(nil), req.SessionKey...)
	s.lastReq = req
	return salt, true
}

func (s *memStore) LookupSession(old crypto.Salt, _ netip.AddrPort) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.sessions[old]
	return k, ok
}

func (s *memStore) UpdateSession(old, new crypto.Salt, _ netip.AddrPort, key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return false
	}
	if _, ok := s.sessions[old]; !ok {
		return false
	}
	delete(s.sessions, old)
	s.sessions[new] = key
	return true
}

func TestHelloRepliesWithPolicyFlags(t *testing.T) {
	server := mustKey(t, crypto.CurveP256)
	client := mustKey(t, crypto.CurveP256)
	h := NewHello(Config{
		Key: server,
		Policy: HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (HelloDecision, bool) {
			return HelloDecision{NeedLogin: true}, true
		}),
	})
	sh, conn, m := newShared()
	h.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: client.Public}))
	var o proto.Olleh
	kind, err := proto.Unmarshal(conn.take(t), &o)
	if err != nil || kind != proto.KindOlleh {
		t.Fatalf("bad olleh: %v %v", kind, err)
	}
	if !o.Key.Equal(server.Public) || !o.NeedLogin || o.NeedPass || o.Static {
		t.Fatalf("unexpected olleh %+v", o)
	}
	if m.Phases("hello") != 1 {
		t.Fatalf("hello phase not counted")
	}
}

func TestHelloDropsBadKeyAndPolicyReject(t *testing.T) {
	client := mustKey(t, crypto.CurveP256)
	reject := false
	h := NewHello(Config{
		Key: mustKey(t, crypto.CurveP256),
		Policy: HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (HelloDecision, bool) {
			return HelloDecision{}, !reject
		}),
	})
	sh, conn, m := newShared()
	bad := client.Public
	bad.Point = bytes.Repeat([]byte{4}, len(bad.Point))
	h.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: bad}))
	conn.none(t)
	reject = true
	h.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: client.Public}))
	conn.none(t)
	if m.Drops("bad_key") != 1 || m.Drops("policy") != 1 {
		t.Fatalf("unexpected drops %+v", m.Snapshot().DropByReason)
	}
}

func TestHelloAnswersOnPeerCurve(t *testing.T) {
	h := NewHello(Config{Key: mustKey(t, crypto.CurveP256)})
	sh, conn, _ := newShared()
	client := mustKey(t, crypto.CurveSecp256k1)
	h.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: client.Public}))
	var o proto.Olleh
	if _, err := proto.Unmarshal(conn.take(t), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Key.Curve != crypto.CurveSecp256k1 {
		t.Fatalf("expected secp256k1 answer, got %s", o.Key.Curve)
	}
}

func TestRepeatedHelloKeepsEphemeralKey(t *testing.T) {
	store := newMemStore()
	mux := NewMux(Config{Key: mustKey(t, crypto.CurveP256), Registrar: store, Lookup: store, Updater: store})
	sh, conn, m := newShared()
	client := mustKey(t, crypto.CurveX25519)

	mux.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: client.Public}))
	var first proto.Olleh
	if _, err := proto.Unmarshal(conn.take(t), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Same HELLO again, from somewhere else.
	replayed := datagram(t, proto.KindHello, &proto.Hello{Key: client.Public})
	replayed.Addr = netip.MustParseAddrPort("10.0.0.9:9999")
	mux.Handle(sh, replayed)
	var second proto.Olleh
	if _, err := proto.Unmarshal(conn.take(t), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Key.Equal(first.Key) {
		t.Fatalf("repeated hello rebound the peer to a new key")
	}

	msg, _, _, _ := clientAuth(t, proto.KindUnicastAuth, client, first.Key, "alice")
	mux.Handle(sh, msg)
	var h proto.Htua
	if kind, err := proto.Unmarshal(conn.take(t), &h); err != nil || kind != proto.KindUnicastHtua {
		t.Fatalf("expected htua, got %v %v", kind, err)
	}
	if m.Drops("mac") != 0 {
		t.Fatalf("auth against the first olleh was dropped")
	}
}

func TestHelloStaticKeyNeverLeaksScalar(t *testing.T) {
	static := mustKey(t, crypto.CurveP256)
	h := NewHello(Config{
		Key: mustKey(t, crypto.CurveP256),
		Policy: HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (HelloDecision, bool) {
			return HelloDecision{Static: static}, true
		}),
	})
	sh, conn, _ := newShared()
	h.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: mustKey(t, crypto.CurveP256).Public}))
	raw := conn.take(t)
	scalar := static.Private.FillBytes(make([]byte, 32))
	if bytes.Contains(raw, scalar) {
		t.Fatalf("olleh carries the private scalar")
	}
	var o proto.Olleh
	_, _ = proto.Unmarshal(raw, &o)
	if !o.Static || !o.Key.Equal(static.Public) {
		t.Fatalf("expected static key announcement")
	}
}

// clientAuth builds an AUTH datagram the way a client would.
func clientAuth(t *testing.T, kind proto.Kind, client *crypto.KeyPair, server crypto.PublicKey, login string) (*proto.Message, []byte, []byte, crypto.Salt) {
	t.Helper()
	shared, err := client.Shared(server)
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	key := crypto.AuthKey(shared, client.Public, server)
	sk, _ := crypto.RandomBytes(crypto.SessionKeySize)
	salt, _ := crypto.NewSalt()
	raw, err := proto.EncodeBody(&proto.AuthBody{Key: client.Public, Login: login, Pass: "pw", SessionKey: sk, Salt: salt})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a := proto.Auth{Key: client.Public}
	if a.Sealed, err = crypto.Seal(key, a.AAD(kind), raw); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return datagram(t, kind, &a), key, sk, salt
}

func TestAuthFlow(t *testing.T) {
	server := mustKey(t, crypto.CurveP256)
	client := mustKey(t, crypto.CurveP256)
	store := newMemStore()
	cfg := Config{Key: server, Registrar: store, Lookup: store, Updater: store}
	mux := NewMux(cfg)
	sh, conn, m := newShared()

	mux.Handle(sh, datagram(t, proto.KindHello, &proto.Hello{Key: client.Public}))
	conn.take(t)

	msg, key, sk, salt := clientAuth(t, proto.KindMulticastAuth, client, server.Public, "alice")
	mux.Handle(sh, msg)
	raw := conn.take(t)
	var h proto.Htua
	kind, err := proto.Unmarshal(raw, &h)
	if err != nil || kind != proto.KindMulticastHtua {
		t.Fatalf("expected multicast htua, got %v %v", kind, err)
	}
	plain, err := crypto.Open(key, h.AAD(kind), h.Sealed)
	if err != nil {
		t.Fatalf("open htua: %v", err)
	}
	var body proto.HtuaBody
	if err := proto.DecodeBody(plain, &body); err != nil {
		t.Fatalf("decode htua: %v", err)
	}
	if body.PeerSalt != salt || !bytes.Equal(body.Confirm, crypto.Confirm(sk, salt, body.MySalt)) {
		t.Fatalf("htua does not confirm the session")
	}
	if !store.lastReq.Multicast || store.lastReq.Login != "alice" {
		t.Fatalf("registrar saw %+v", store.lastReq)
	}
	if m.Phases("auth") != 1 {
		t.Fatalf("auth not counted")
	}
}

func TestAuthDropsTamperedAndRejected(t *testing.T) {
	server := mustKey(t, crypto.CurveP256)
	client := mustKey(t, crypto.CurveP256)
	store := newMemStore()
	h := NewAuth(Config{
		Key:       server,
		Registrar: store,
		Creds: CredsValidatorFunc(func(_ crypto.PublicKey, _ netip.AddrPort, login, _ string) bool {
			return login == "alice"
		}),
	})
	sh, conn, m := newShared()

	msg, _, _, _ := clientAuth(t, proto.KindUnicastAuth, client, server.Public, "alice")
	raw := append([]byte(nil), msg.Bytes()...)
	raw[len(raw)-1] ^= 1
	var tampered proto.Message
	_ = tampered.Set(raw, peerAddr)
	h.Handle(sh, &tampered)
	conn.none(t)

	msg, _, _, _ = clientAuth(t, proto.KindUnicastAuth, client, server.Public, "mallory")
	h.Handle(sh, msg)
	conn.none(t)

	other := mustKey(t, crypto.CurveP256)
	msg, _, _, _ = clientAuth(t, proto.KindUnicastAuth, client, other.Public, "alice")
	h.Handle(sh, msg)
	conn.none(t)

	if m.Drops("mac") != 2 || m.Drops("creds") != 1 {
		t.Fatalf("unexpected drops %+v", m.Snapshot().DropByReason)
	}
}

func TestAuthEnforcesNeedLogin(t *testing.T) {
	server := mustKey(t, crypto.CurveP256)
	client := mustKey(t, crypto.CurveP256)
	cfg := Config{
		Key:       server,
		Registrar: newMemStore(),
		Policy: HelloPolicyFunc(func(crypto.PublicKey, netip.AddrPort) (HelloDecision, bool) {
			return HelloDecision{NeedLogin: true}, true
		}),
	}
	h := NewAuth(cfg)
	sh, conn, m := newShared()
	// no HELLO first: the policy is re-evaluated
	msg, _, _, _ := clientAuth(t, proto.KindUnicastAuth, client, server.Public, "")
	h.Handle(sh, msg)
	conn.none(t)
	if m.Drops("policy") != 1 {
		t.Fatalf("missing login should be a policy drop")
	}
}

func sendData(t *testing.T, old crypto.Salt, sk []byte, payload string) (*proto.Message, crypto.Salt) {
	t.Helper()
	ns, _ := crypto.NewSalt()
	blk, _ := proto.NewBlock([]byte(payload))
	raw, _ := proto.EncodeBody(&proto.RoundBody{NewSalt: ns, Block: blk})
	d := proto.Data{OldSalt: old}
	var err error
	if d.Sealed, err = crypto.Seal(crypto.DataKey(sk, old, crypto.ClientToServer), d.AAD(), raw); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return datagram(t, proto.KindData, &d), ns
}

func TestDataRotatesAndRejectsReplay(t *testing.T) {
	store := newMemStore()
	sk := bytes.Repeat([]byte{3}, 32)
	old, _ := crypto.NewSalt()
	store.sessions[old] = sk
	upper := DataHandlerFunc(func(req *DataRequest) (proto.Block, bool) {
		out, _ := proto.NewBlock([]byte(strings.ToUpper(string(req.Payload.Bytes()))))
		return out, true
	})
	h := NewData(Config{Lookup: store, Updater: store, Data: upper})
	sh, conn, m := newShared()

	msg, ns := sendData(t, old, sk, "hello\x00")
	h.Handle(sh, msg)
	var s proto.Salt
	if _, err := proto.Unmarshal(conn.take(t), &s); err != nil {
		t.Fatalf("decode salt: %v", err)
	}
	if s.NewSalt != ns {
		t.Fatalf("salt reply does not echo new salt")
	}
	plain, err := crypto.Open(crypto.DataKey(sk, ns, crypto.ServerToClient), s.AAD(), s.Sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var body proto.RoundBody
	_ = proto.DecodeBody(plain, &body)
	if got := body.Block.Bytes(); string(got) != "HELLO\x00" || len(got) != 6 {
		t.Fatalf("unexpected reply %q", got)
	}

	h.Handle(sh, msg)
	conn.none(t)
	if m.Drops("lookup") != 1 {
		t.Fatalf("replay should miss lookup")
	}

	store.failNext = true
	msg, _ = sendData(t, ns, sk, "x")
	h.Handle(sh, msg)
	conn.none(t)
	if m.Drops("update") != 1 {
		t.Fatalf("failed update must not reply")
	}
}

func TestMuxDropsUnhandledKinds(t *testing.T) {
	mux := NewMux(Config{})
	sh, conn, m := newShared()
	var msg proto.Message
	_ = msg.Set([]byte{0, 0, 0, byte(proto.KindResult)}, peerAddr)
	mux.Handle(sh, &msg)
	_ = msg.Set([]byte{0, 0, 0, 77}, peerAddr)
	mux.Handle(sh, &msg)
	conn.none(t)
	if m.Drops("unhandled") != 1 || m.Drops("decode") != 1 {
		t.Fatalf("unexpected drops %+v", m.Snapshot().DropByReason)
	}
}

func TestBindingsTTLAndLRU(t *testing.T) {
	b := NewBindings(time.Minute, 2)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	k1, k2, k3 := mustKey(t, crypto.CurveX25519), mustKey(t, crypto.CurveX25519), mustKey(t, crypto.CurveX25519)
	b.Put(k1.Public, Binding{Key: k1})
	b.Put(k2.Public, Binding{Key: k2})
	b.Put(k3.Public, Binding{Key: k3})
	if _, ok := b.Get(k1.Public); ok {
		t.Fatalf("oldest binding should be evicted")
	}
	if _, ok := b.Get(k3.Public); !ok {
		t.Fatalf("newest binding missing")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := b.Get(k3.Public); ok || b.Len() != 0 {
		t.Fatalf("expired bindings should be pruned")
	}
}

func TestBindingsKeep(t *testing.T) {
	b := NewBindings(time.Minute, 4)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	peer := mustKey(t, crypto.CurveX25519).Public
	k1, k2 := mustKey(t, crypto.CurveX25519), mustKey(t, crypto.CurveX25519)

	if got := b.Keep(peer, Binding{Key: k1}); got.Key != k1 {
		t.Fatalf("first keep should store k1")
	}
	now = now.Add(50 * time.Second)
	got := b.Keep(peer, Binding{Key: k2, NeedLogin: true})
	if got.Key != k1 || !got.NeedLogin {
		t.Fatalf("keep should reuse k1 with new flags, got %+v", got)
	}
	// TTL restarted by the second keep.
	now = now.Add(50 * time.Second)
	if cur, ok := b.Get(peer); !ok || cur.Key != k1 {
		t.Fatalf("binding should still be alive")
	}

	static := mustKey(t, crypto.CurveX25519)
	if got := b.Keep(peer, Binding{Key: static, Static: true}); got.Key != static {
		t.Fatalf("static binding should replace the ephemeral one")
	}
	now = now.Add(2 * time.Minute)
	if got := b.Keep(peer, Binding{Key: k2}); got.Key != k2 {
		t.Fatalf("expired binding should not be reused")
	}
}
