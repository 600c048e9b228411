package client

import (
	"context"

	"ollehd/internal/crypto"
	"ollehd/internal/exc"
	"ollehd/internal/proto"
)

// DataClient runs DATA rounds on a session. Each round proposes a new salt;
// the session adopts it only when the matching SALT reply verifies.
type DataClient struct {
	conn *Conn
	sess *Session
}

func NewDataClient(conn *Conn, sess *Session) *DataClient {
	return &DataClient{conn: conn, sess: sess}
}

// Send starts a round. Sending again before Recv succeeds abandons the
// earlier round.
func (d *DataClient) Send(ctx context.Context, payload []byte) (err error) {
	const op = "client.data"
	defer func() { err = d.conn.exc.Raise(err) }()
	if d.sess == nil {
		return exc.Newf(op, exc.NotInitialized, "no session")
	}
	blk, err := proto.NewBlock(payload)
	if err != nil {
		return exc.New(op, exc.Decode, err)
	}
	next, err := crypto.NewSalt()
	if err != nil {
		return exc.New(op, exc.Crypto, err)
	}

	d.sess.mu.Lock()
	if d.sess.key == nil {
		d.sess.mu.Unlock()
		return exc.Newf(op, exc.Closed, "session closed")
	}
	for next == d.sess.salt {
		if next, err = crypto.NewSalt(); err != nil {
			d.sess.mu.Unlock()
			return exc.New(op, exc.Crypto, err)
		}
	}
	old := d.sess.salt
	raw, err := proto.EncodeBody(&proto.RoundBody{NewSalt: next, Block: blk})
	if err != nil {
		d.sess.mu.Unlock()
		return exc.New(op, exc.Decode, err)
	}
	msg := proto.Data{OldSalt: old}
	msg.Sealed, err = crypto.Seal(crypto.DataKey(d.sess.key, old, crypto.ClientToServer), msg.AAD(), raw)
	if err != nil {
		d.sess.mu.Unlock()
		return exc.New(op, exc.Crypto, err)
	}
	d.sess.pending = next
	d.sess.mu.Unlock()

	out, err := proto.Marshal(proto.KindData, &msg)
	if err != nil {
		return exc.New(op, exc.Decode, err)
	}
	return d.conn.send(op, out)
}

// Recv waits for the SALT answering the pending round, rotates the session
// and returns the reply payload.
func (d *DataClient) Recv(ctx context.Context) (payload []byte, err error) {
	const op = "client.salt"
	defer func() { err = d.conn.exc.Raise(err) }()
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()
	if d.sess == nil {
		return nil, exc.Newf(op, exc.NotInitialized, "no session")
	}

	d.sess.mu.Lock()
	pending, key := d.sess.pending, d.sess.key
	d.sess.mu.Unlock()
	if pending.IsZero() || key == nil {
		return nil, exc.Newf(op, exc.State, "no round in flight")
	}

	var body proto.RoundBody
	err = d.conn.recv(ctx, op, func(b []byte) bool {
		var s proto.Salt
		k, err := proto.Unmarshal(b, &s)
		if err != nil || k != proto.KindSalt || s.NewSalt != pending {
			return false
		}
		plain, err := crypto.Open(crypto.DataKey(key, pending, crypto.ServerToClient), s.AAD(), s.Sealed)
		if err != nil || proto.DecodeBody(plain, &body) != nil {
			return false
		}
		return body.NewSalt == pending
	})
	if err != nil {
		return nil, err
	}

	d.sess.mu.Lock()
	if d.sess.pending == pending {
		d.sess.salt = pending
		d.sess.pending = crypto.Salt{}
		d.sess.rounds++
	}
	d.sess.mu.Unlock()
	return append([]byte(nil), body.Block.Bytes()...), nil
}

// Exchange is Send followed by Recv.
func (d *DataClient) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()
	if err := d.Send(ctx, payload); err != nil {
		return nil, err
	}
	return d.Recv(ctx)
}
