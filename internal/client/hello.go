package client

import (
	"context"
	"sync"

	"ollehd/internal/crypto"
	"ollehd/internal/exc"
	"ollehd/internal/proto"
)

type HelloState int

const (
	StateInit HelloState = iota
	StateSentHello
	StateWaitOlleh
	StateDone
	StateTimedOut
	StateFailed
)

var helloStateNames = [...]string{"INIT", "SENT_HELLO", "WAIT_OLLEH", "DONE", "TIMED_OUT", "FAILED"}

func (s HelloState) String() string {
	if int(s) < len(helloStateNames) {
		return helloStateNames[s]
	}
	return "UNKNOWN"
}

// HelloResult is what the server announced in its OLLEH.
type HelloResult struct {
	ServerKey crypto.PublicKey
	NeedLogin bool
	NeedPass  bool
	Static    bool
}

type HelloClient struct {
	conn *Conn
	key  *crypto.KeyPair

	mu     sync.Mutex
	state  HelloState
	result *HelloResult
}

// NewHelloClient uses key for the exchange; nil generates one on the
// default curve at the first Hello.
func NewHelloClient(conn *Conn, key *crypto.KeyPair) *HelloClient {
	return &HelloClient{conn: conn, key: key}
}

func (h *HelloClient) Key() *crypto.KeyPair {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key
}

func (h *HelloClient) State() HelloState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Result is the last completed exchange.
func (h *HelloClient) Result() (*HelloResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.state == StateDone && h.result != nil
}

func (h *HelloClient) setState(s HelloState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *HelloClient) Hello(ctx context.Context) (res *HelloResult, err error) {
	const op = "client.hello"
	defer func() { err = h.conn.exc.Raise(err) }()
	ctx, cancel := h.conn.withTimeout(ctx)
	defer cancel()

	h.mu.Lock()
	h.state, h.result = StateInit, nil
	if h.key == nil {
		if h.key, err = crypto.GenerateKeyPair(crypto.DefaultCurve); err != nil {
			h.state = StateFailed
			h.mu.Unlock()
			return nil, exc.New(op, exc.Crypto, err)
		}
	}
	key := h.key
	h.mu.Unlock()

	out, err := proto.Marshal(proto.KindHello, &proto.Hello{Key: key.Public})
	if err != nil {
		h.setState(StateFailed)
		return nil, exc.New(op, exc.Decode, err)
	}
	if err := h.conn.send(op, out); err != nil {
		h.setState(StateFailed)
		return nil, err
	}
	h.setState(StateSentHello)
	h.conn.log.Debugf("hello sent to %s on %s", h.conn.remote, key.Public.Curve)

	h.setState(StateWaitOlleh)
	var o proto.Olleh
	err = h.conn.recv(ctx, op, func(b []byte) bool {
		kind, err := proto.Unmarshal(b, &o)
		return err == nil && kind == proto.KindOlleh &&
			o.Key.Curve == key.Public.Curve && crypto.ValidatePublicKey(o.Key) == nil
	})
	if err != nil {
		if exc.CodeOf(err) == exc.Timeout {
			h.setState(StateTimedOut)
		} else {
			h.setState(StateFailed)
		}
		return nil, err
	}

	res = &HelloResult{ServerKey: o.Key, NeedLogin: o.NeedLogin, NeedPass: o.NeedPass, Static: o.Static}
	h.mu.Lock()
	h.state, h.result = StateDone, res
	h.mu.Unlock()
	return res, nil
}
