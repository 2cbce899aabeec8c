package message

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	pkgRand "github.com/plgd-dev/go-coap-exchange/pkg/rand"
)

var fallbackRand = pkgRand.NewRand(time.Now().UnixNano())

// RandMID returns a random message id to start the message id sequence of a context with,
// so a restarted endpoint does not reuse the ids its peer may still remember.
func RandMID() int32 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int32(fallbackRand.Uint32() >> 16)
	}
	return int32(binary.BigEndian.Uint16(b[:]))
}
