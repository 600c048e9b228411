package handler

import (
	"ollehd/internal/crypto"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// Auth answers UNICAST_AUTH and MULTICAST_AUTH with the mirrored HTUA kind.
type Auth struct {
	cfg Config
}

func NewAuth(cfg Config) *Auth {
	return &Auth{cfg: cfg.withDefaults()}
}

func (h *Auth) Handle(sh *recvr.Shared, m *proto.Message) {
	const phase = "auth"
	var in proto.Auth
	kind, err := proto.Unmarshal(m.Bytes(), &in)
	if err != nil || !kind.IsAuth() {
		drop(sh, m, phase, "decode")
		return
	}
	if h.cfg.Registrar == nil {
		drop(sh, m, phase, "no_registrar")
		return
	}
	if !h.cfg.ValidKey.ValidKey(in.Key) {
		drop(sh, m, phase, "bad_key")
		return
	}
	b, ok := h.cfg.Bindings.Get(in.Key)
	if !ok {
		dec, ok := h.cfg.Policy.Hello(in.Key, m.Addr)
		if !ok {
			drop(sh, m, phase, "policy")
			return
		}
		var reason string
		if b, reason = bind(h.cfg, in.Key, dec, nil, false); reason != "" {
			drop(sh, m, phase, reason)
			return
		}
	}

	shared, err := b.Key.Shared(in.Key)
	if err != nil {
		drop(sh, m, phase, "ecdh")
		return
	}
	key := crypto.AuthKey(shared, in.Key, b.Key.Public)
	crypto.Wipe(shared)
	plain, err := crypto.Open(key, in.AAD(kind), in.Sealed)
	if err != nil {
		drop(sh, m, phase, "mac")
		return
	}
	var body proto.AuthBody
	err = proto.DecodeBody(plain, &body)
	crypto.Wipe(plain)
	if err != nil {
		drop(sh, m, phase, "decode")
		return
	}
	if !body.Key.Equal(in.Key) {
		drop(sh, m, phase, "key_mismatch")
		return
	}
	if (b.NeedLogin && body.Login == "") || (b.NeedPass && body.Pass == "") {
		drop(sh, m, phase, "policy")
		return
	}
	if !h.cfg.Creds.ValidCreds(in.Key, m.Addr, body.Login, body.Pass) {
		drop(sh, m, phase, "creds")
		return
	}
	mySalt, ok := h.cfg.Registrar.RegisterAuth(AuthRequest{
		Addr:       m.Addr,
		Key:        in.Key,
		Login:      body.Login,
		Pass:       body.Pass,
		SessionKey: body.SessionKey,
		PeerSalt:   body.Salt,
		Multicast:  kind == proto.KindMulticastAuth,
	})
	if !ok || mySalt.IsZero() || mySalt == body.Salt {
		drop(sh, m, phase, "register")
		return
	}

	replyKind, _ := kind.Reply()
	raw, err := proto.EncodeBody(&proto.HtuaBody{
		PeerSalt: body.Salt,
		MySalt:   mySalt,
		Confirm:  crypto.Confirm(body.SessionKey, body.Salt, mySalt),
	})
	if err != nil {
		drop(sh, m, phase, "encode")
		return
	}
	var out proto.Htua
	if out.Sealed, err = crypto.Seal(key, out.AAD(replyKind), raw); err != nil {
		drop(sh, m, phase, "seal")
		return
	}
	if reply(sh, m, phase, replyKind, &out) {
		done(sh, phase, m.Addr, body.Login)
	}
}
