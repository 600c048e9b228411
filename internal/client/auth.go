package client

import (
	"context"
	"crypto/hmac"

	"ollehd/internal/crypto"
	"ollehd/internal/exc"
	"ollehd/internal/proto"
)

type AuthClient struct {
	conn  *Conn
	hello *HelloClient

	// Multicast sends MULTICAST_AUTH and expects MULTICAST_HTUA.
	Multicast bool
}

func NewAuthClient(conn *Conn, hello *HelloClient) *AuthClient {
	return &AuthClient{conn: conn, hello: hello}
}

// Auth sends the credentials under the HELLO key and waits for a HTUA that
// confirms the fresh session key. No session is returned unless that
// confirmation verifies.
func (a *AuthClient) Auth(ctx context.Context, login, pass string) (sess *Session, err error) {
	const op = "client.auth"
	defer func() { err = a.conn.exc.Raise(err) }()
	ctx, cancel := a.conn.withTimeout(ctx)
	defer cancel()

	res, ok := a.hello.Result()
	if !ok {
		return nil, exc.Newf(op, exc.NotInitialized, "hello not completed")
	}
	if (res.NeedLogin && login == "") || (res.NeedPass && pass == "") {
		return nil, exc.Newf(op, exc.Rejected, "server requires login=%v pass=%v", res.NeedLogin, res.NeedPass)
	}
	key := a.hello.Key()

	shared, err := key.Shared(res.ServerKey)
	if err != nil {
		return nil, exc.New(op, exc.Crypto, err)
	}
	authKey := crypto.AuthKey(shared, key.Public, res.ServerKey)
	crypto.Wipe(shared)

	sk, err := crypto.RandomBytes(crypto.SessionKeySize)
	if err != nil {
		return nil, exc.New(op, exc.Crypto, err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, exc.New(op, exc.Crypto, err)
	}
	raw, err := proto.EncodeBody(&proto.AuthBody{Key: key.Public, Login: login, Pass: pass, SessionKey: sk, Salt: salt})
	if err != nil {
		return nil, exc.New(op, exc.Decode, err)
	}

	kind := proto.KindUnicastAuth
	if a.Multicast {
		kind = proto.KindMulticastAuth
	}
	msg := proto.Auth{Key: key.Public}
	msg.Sealed, err = crypto.Seal(authKey, msg.AAD(kind), raw)
	crypto.Wipe(raw)
	if err != nil {
		return nil, exc.New(op, exc.Crypto, err)
	}
	out, err := proto.Marshal(kind, &msg)
	if err != nil {
		return nil, exc.New(op, exc.Decode, err)
	}
	if err := a.conn.send(op, out); err != nil {
		crypto.Wipe(sk)
		return nil, err
	}

	replyKind, _ := kind.Reply()
	var body proto.HtuaBody
	err = a.conn.recv(ctx, op, func(b []byte) bool {
		var h proto.Htua
		k, err := proto.Unmarshal(b, &h)
		if err != nil || k != replyKind {
			return false
		}
		plain, err := crypto.Open(authKey, h.AAD(k), h.Sealed)
		if err != nil || proto.DecodeBody(plain, &body) != nil {
			return false
		}
		return body.PeerSalt == salt && !body.MySalt.IsZero() && body.MySalt != salt &&
			hmac.Equal(body.Confirm, crypto.Confirm(sk, salt, body.MySalt))
	})
	if err != nil {
		crypto.Wipe(sk)
		return nil, err
	}
	a.conn.log.Debugf("auth confirmed by %s", a.conn.remote)
	return &Session{key: sk, salt: body.MySalt, login: login, multicast: a.Multicast}, nil
}
