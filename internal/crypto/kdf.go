package crypto

const (
	labelAuth    = "ollehd:auth:v1"
	labelData    = "ollehd:data:v1"
	labelConfirm = "ollehd:confirm:v1"
)

// Direction separates the client and server halves of a DATA round.
type Direction string

const (
	ClientToServer Direction = "c2s"
	ServerToClient Direction = "s2c"
)

const SessionKeySize = 32

// AuthKey derives the AUTH/HTUA body key from the ECDH secret and both
// public keys.
func AuthKey(shared []byte, client, server PublicKey) []byte {
	return KDF(labelAuth, shared,
		[]byte(client.Curve), client.Point,
		[]byte(server.Curve), server.Point)
}

// DataKey derives the body key for one DATA or SALT message.
func DataKey(sessionKey []byte, salt Salt, dir Direction) []byte {
	return KDF(labelData, sessionKey, salt[:], []byte(dir))
}

// Confirm proves to the client that the server holds the session key it
// sent, bound to both salts.
func Confirm(sessionKey []byte, peerSalt, mySalt Salt) []byte {
	return KDF(labelConfirm, sessionKey, peerSalt[:], mySalt[:])
}
