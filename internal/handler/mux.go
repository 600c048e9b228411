package handler

import (
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// Mux routes datagrams by kind so all phases can share one receiver.
type Mux struct {
	hello *Hello
	auth  *Auth
	data  *Data
}

func NewMux(cfg Config) *Mux {
	cfg = cfg.withDefaults()
	return &Mux{
		hello: &Hello{cfg: cfg},
		auth:  &Auth{cfg: cfg},
		data:  &Data{cfg: cfg},
	}
}

func (x *Mux) Handle(sh *recvr.Shared, m *proto.Message) {
	kind, err := m.Kind()
	if err != nil {
		drop(sh, m, "mux", "decode")
		return
	}
	sh.Metrics.IncRecv(kind.String())
	switch kind {
	case proto.KindHello:
		x.hello.Handle(sh, m)
	case proto.KindUnicastAuth, proto.KindMulticastAuth:
		x.auth.Handle(sh, m)
	case proto.KindData:
		x.data.Handle(sh, m)
	default:
		drop(sh, m, "mux", "unhandled")
	}
}
