package exchange

import (
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/transmission"
)

// Role tells which side started the exchange.
type Role int

const (
	// Client exchanges were started by a request sent from this endpoint.
	Client Role = iota
	// Server exchanges were started by a request of the peer.
	Server
)

func (r Role) String() string {
	switch r {
	case Client:
		return "client"
	case Server:
		return "server"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Exchange is one request/response interaction.
type Exchange struct {
	Token     message.Token
	Peer      string
	Role      Role
	MessageID int32 // message id in flight or -1
	// Retransmission is set while a confirmable message of the exchange waits for an acknowledgement.
	Retransmission *transmission.Record
	// LastSent holds the encoded message for retransmission.
	LastSent []byte
	Receiver *blockwise.Receiver
	Sender   *blockwise.Sender
	Started  time.Time
	// Deadline bounds the whole block-wise transfer, zero when not bounded.
	Deadline time.Time
}

func New(peer string, token message.Token, role Role, now time.Time) *Exchange {
	return &Exchange{
		Token:     token,
		Peer:      peer,
		Role:      role,
		MessageID: -1,
		Started:   now,
	}
}

// BlockNumber returns the number of the block in progress, -1 when no block-wise transfer runs.
func (e *Exchange) BlockNumber() int64 {
	if e.Receiver != nil && e.Receiver.LastNum() >= 0 {
		return e.Receiver.LastNum()
	}
	if e.Sender != nil {
		if b, ok := e.Sender.Sent(); ok {
			return b.Num
		}
	}
	return -1
}

// Release aborts the block-wise state and drops the retransmission.
func (e *Exchange) Release(err error) {
	if e.Receiver != nil {
		e.Receiver.Abort(err)
	}
	if e.Sender != nil {
		e.Sender.Abort()
	}
	if e.Retransmission != nil {
		e.Retransmission.OnAck()
		e.Retransmission = nil
	}
	e.LastSent = nil
}
