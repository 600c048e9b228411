// internal/proto/kind.go
package proto

import "strconv"

const (
	// MaxDatagram is the hard cap on a datagram, kind tag included.
	MaxDatagram = 65536
	KindSize    = 4
	BlockSize   = 1024
)

// Kind is the leading big-endian uint32 of every datagram. All values keep
// the first byte zero, so a QUIC demultiplexer never claims them.
type Kind uint32

const (
	KindHello Kind = iota + 1
	KindOlleh
	KindResult
	KindUnicastAuth
	KindUnicastHtua
	KindMulticastAuth
	KindMulticastHtua
	KindData
	KindSalt
)

var kindNames = map[Kind]string{
	KindHello:         "hello",
	KindOlleh:         "olleh",
	KindResult:        "result",
	KindUnicastAuth:   "unicast_auth",
	KindUnicastHtua:   "unicast_htua",
	KindMulticastAuth: "multicast_auth",
	KindMulticastHtua: "multicast_htua",
	KindData:          "data",
	KindSalt:          "salt",
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// IsAuth reports whether k opens the credential phase.
func (k Kind) IsAuth() bool {
	return k == KindUnicastAuth || k == KindMulticastAuth
}

// Reply returns the kind a server answers k with.
func (k Kind) Reply() (Kind, bool) {
	switch k {
	case KindHello:
		return KindOlleh, true
	case KindUnicastAuth:
		return KindUnicastHtua, true
	case KindMulticastAuth:
		return KindMulticastHtua, true
	case KindData:
		return KindSalt, true
	}
	return 0, false
}
