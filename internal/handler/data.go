package handler

import (
	"ollehd/internal/crypto"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// Data runs one DATA round and answers with SALT. The session is rotated
// before the reply is built; if the rotation fails nothing is sent.
type Data struct {
	cfg Config
}

func NewData(cfg Config) *Data {
	return &Data{cfg: cfg.withDefaults()}
}

func (h *Data) Handle(sh *recvr.Shared, m *proto.Message) {
	const phase = "data"
	var in proto.Data
	kind, err := proto.Unmarshal(m.Bytes(), &in)
	if err != nil || kind != proto.KindData {
		drop(sh, m, phase, "decode")
		return
	}
	if h.cfg.Lookup == nil || h.cfg.Updater == nil {
		drop(sh, m, phase, "no_session_store")
		return
	}
	sessionKey, ok := h.cfg.Lookup.LookupSession(in.OldSalt, m.Addr)
	if !ok {
		drop(sh, m, phase, "lookup")
		return
	}
	plain, err := crypto.Open(crypto.DataKey(sessionKey, in.OldSalt, crypto.ClientToServer), in.AAD(), in.Sealed)
	if err != nil {
		drop(sh, m, phase, "mac")
		return
	}
	var body proto.RoundBody
	if err := proto.DecodeBody(plain, &body); err != nil {
		drop(sh, m, phase, "decode")
		return
	}
	if body.NewSalt.IsZero() || body.NewSalt == in.OldSalt {
		drop(sh, m, phase, "salt")
		return
	}

	out, ok := h.cfg.Data.HandleData(&DataRequest{
		OldSalt:    in.OldSalt,
		NewSalt:    body.NewSalt,
		Addr:       m.Addr,
		SessionKey: sessionKey,
		Conn:       sh.Conn,
		Payload:    body.Block,
	})
	if !ok {
		drop(sh, m, phase, "data_callback")
		return
	}
	if !h.cfg.Updater.UpdateSession(in.OldSalt, body.NewSalt, m.Addr, sessionKey) {
		drop(sh, m, phase, "update")
		return
	}

	raw, err := proto.EncodeBody(&proto.RoundBody{NewSalt: body.NewSalt, Block: out})
	if err != nil {
		drop(sh, m, phase, "encode")
		return
	}
	resp := proto.Salt{NewSalt: body.NewSalt}
	if resp.Sealed, err = crypto.Seal(crypto.DataKey(sessionKey, body.NewSalt, crypto.ServerToClient), resp.AAD(), raw); err != nil {
		drop(sh, m, phase, "seal")
		return
	}
	if reply(sh, m, phase, proto.KindSalt, &resp) {
		done(sh, phase, m.Addr, "")
	}
}
