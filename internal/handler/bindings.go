package handler

import (
	"container/list"
	"sync"
	"time"

	"ollehd/internal/crypto"
)

const (
	DefaultBindingTTL = 30 * time.Second
	DefaultBindingMax = 4096
)

// Binding is what the server answered a HELLO with: the key pair it agreed
// on and the policy flags the AUTH must satisfy.
type Binding struct {
	Key       *crypto.KeyPair
	NeedLogin bool
	NeedPass  bool
	Static    bool
}

type bindingEntry struct {
	fp [32]byte
	b  Binding
	ts time.Time
}

// Bindings is a TTL + LRU map from peer key fingerprint to Binding.
type Bindings struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
	now     func() time.Time
}

func NewBindings(ttl time.Duration, maxSize int) *Bindings {
	if ttl <= 0 {
		ttl = DefaultBindingTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultBindingMax
	}
	return &Bindings{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *Bindings) Get(peer crypto.PublicKey) (Binding, bool) {
	if c == nil {
		return Binding{}, false
	}
	fp := peer.Fingerprint()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(c.now())
	el, ok := c.items[fp]
	if !ok {
		return Binding{}, false
	}
	return el.Value.(*bindingEntry).b, true
}

func (c *Bindings) Put(peer crypto.PublicKey, b Binding) {
	if c == nil || b.Key == nil {
		return
	}
	fp := peer.Fingerprint()
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[fp]; ok {
		ent := el.Value.(*bindingEntry)
		ent.b = b
		ent.ts = now
		c.order.MoveToFront(el)
		return
	}
	c.items[fp] = c.order.PushFront(&bindingEntry{fp: fp, b: b, ts: now})
	c.evictLocked()
}

func (c *Bindings) evictLocked() {
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		delete(c.items, back.Value.(*bindingEntry).fp)
		c.order.Remove(back)
	}
}

// Keep stores b for peer unless an unexpired non-static binding already
// exists and b is not static either. In that case the existing key pair is
// kept with b's flags and its TTL restarts. Keep returns what is stored.
func (c *Bindings) Keep(peer crypto.PublicKey, b Binding) Binding {
	if c == nil || b.Key == nil {
		return b
	}
	fp := peer.Fingerprint()
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[fp]; ok {
		ent := el.Value.(*bindingEntry)
		if !b.Static && !ent.b.Static && ent.b.Key.Public.Curve == b.Key.Public.Curve {
			b.Key = ent.b.Key
		}
		ent.b = b
		ent.ts = now
		c.order.MoveToFront(el)
		return b
	}
	c.items[fp] = c.order.PushFront(&bindingEntry{fp: fp, b: b, ts: now})
	c.evictLocked()
	return b
}

func (c *Bindings) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Bindings) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*bindingEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.fp)
		c.order.Remove(back)
	}
}
