package handler

import (
	"ollehd/internal/crypto"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// Hello answers HELLO with OLLEH.
type Hello struct {
	cfg Config
}

func NewHello(cfg Config) *Hello {
	return &Hello{cfg: cfg.withDefaults()}
}

func (h *Hello) Handle(sh *recvr.Shared, m *proto.Message) {
	const phase = "hello"
	var in proto.Hello
	kind, err := proto.Unmarshal(m.Bytes(), &in)
	if err != nil || kind != proto.KindHello {
		drop(sh, m, phase, "decode")
		return
	}
	if !h.cfg.ValidKey.ValidKey(in.Key) {
		drop(sh, m, phase, "bad_key")
		return
	}
	dec, ok := h.cfg.Policy.Hello(in.Key, m.Addr)
	if !ok {
		drop(sh, m, phase, "policy")
		return
	}

	// A retransmitted HELLO must get the key the first OLLEH announced.
	var prev *crypto.KeyPair
	if old, ok := h.cfg.Bindings.Get(in.Key); ok && !old.Static {
		prev = old.Key
	}
	b, reason := bind(h.cfg, in.Key, dec, prev, true)
	if reason != "" {
		drop(sh, m, phase, reason)
		return
	}
	b = h.cfg.Bindings.Keep(in.Key, b)

	out := proto.Olleh{
		Key:       b.Key.Public,
		NeedLogin: b.NeedLogin,
		NeedPass:  b.NeedPass,
		Static:    b.Static,
	}
	if reply(sh, m, phase, proto.KindOlleh, &out) {
		done(sh, phase, m.Addr, in.Key.String())
	}
}

// bind picks the key pair that answers peer. Off the instance curve, prev is
// reused when it is on the peer's curve. A fresh key is minted only from
// HELLO (mint set), since AUTH cannot announce it.
func bind(cfg Config, peer crypto.PublicKey, dec HelloDecision, prev *crypto.KeyPair, mint bool) (Binding, string) {
	b := Binding{NeedLogin: dec.NeedLogin, NeedPass: dec.NeedPass}
	switch {
	case dec.Static != nil:
		b.Key, b.Static = dec.Static, true
	case cfg.Key != nil && cfg.Key.Public.Curve == peer.Curve:
		b.Key = cfg.Key
	case prev != nil && prev.Public.Curve == peer.Curve:
		b.Key = prev
	case mint:
		kp, err := crypto.GenerateKeyPair(peer.Curve)
		if err != nil {
			return Binding{}, "curve"
		}
		b.Key = kp
	default:
		return Binding{}, "no_binding"
	}
	if b.Key.Public.Curve != peer.Curve {
		return Binding{}, "curve"
	}
	return b, ""
}
