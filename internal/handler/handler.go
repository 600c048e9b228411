// Package handler implements the server side of the HELLO, AUTH and DATA
// phases. Every failure is a silent drop: no reply is sent, the reason is
// counted, and the client runs into its own timeout.
package handler

import (
	"net/netip"
	"time"

	"ollehd/internal/crypto"
	"ollehd/internal/metrics"
	"ollehd/internal/proto"
	"ollehd/internal/recvr"
)

// Config wires the callbacks into the phase handlers. Key is the instance
// key pair; nil callbacks fall back to permissive defaults, except the
// session callbacks, without which AUTH and DATA drop everything.
type Config struct {
	Key      *crypto.KeyPair
	Bindings *Bindings

	ValidKey  KeyValidator
	Policy    HelloPolicy
	Creds     CredsValidator
	Registrar AuthRegistrar
	Lookup    SessionLookup
	Data      DataHandler
	Updater   SessionUpdater
}

func (c Config) withDefaults() Config {
	if c.Bindings == nil {
		c.Bindings = NewBindings(DefaultBindingTTL, DefaultBindingMax)
	}
	if c.ValidKey == nil {
		c.ValidKey = validKey
	}
	if c.Policy == nil {
		c.Policy = openPolicy
	}
	if c.Creds == nil {
		c.Creds = anyCreds
	}
	if c.Data == nil {
		c.Data = Echo
	}
	return c
}

const dropLogInterval = 2 * time.Second

func drop(sh *recvr.Shared, m *proto.Message, phase, reason string) {
	sh.Metrics.IncDrop(reason)
	sh.Log.RateLimitedf("drop:"+phase+":"+reason, dropLogInterval, "%s from %s dropped: %s", phase, m.Addr, reason)
}

func done(sh *recvr.Shared, phase string, addr netip.AddrPort, key string) {
	sh.Metrics.IncPhase(phase)
	sh.Metrics.Recent().Add(metrics.Event{At: time.Now().UTC(), Phase: phase, Peer: addr.String(), Key: key})
	sh.Log.Debugf("%s done for %s", phase, addr)
}

func reply(sh *recvr.Shared, m *proto.Message, phase string, kind proto.Kind, p proto.Payload) bool {
	out, err := proto.Marshal(kind, p)
	if err != nil {
		drop(sh, m, phase, "encode")
		return false
	}
	if err := sh.Send(out, m.Addr); err != nil {
		drop(sh, m, phase, "send")
		return false
	}
	return true
}
