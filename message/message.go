package message

import (
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap-exchange/message/codes"
)

// MaxTokenSize maximum of token size that can be used in message
const MaxTokenSize = 8

type Message struct {
	Token   Token
	Options Options
	Code    codes.Code
	Payload []byte

	// MessageID and Type are carried by datagram transports only. Values outside
	// their wire range mean unset.
	MessageID int32
	Type      Type
}

// Clone returns a deep copy of the message.
func (r *Message) Clone() *Message {
	m := &Message{
		Code:      r.Code,
		Options:   r.Options.Clone(),
		MessageID: r.MessageID,
		Type:      r.Type,
	}
	if r.Token != nil {
		m.Token = append(Token{}, r.Token...)
	}
	if r.Payload != nil {
		m.Payload = append([]byte{}, r.Payload...)
	}
	return m
}

// IsEmpty reports whether the message is an empty message (code 0.00), e.g. an empty ACK or a CoAP ping.
func (r *Message) IsEmpty() bool {
	return r.Code == codes.Empty
}

func (r *Message) String() string {
	if r == nil {
		return "nil"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Code: %v, Token: %v", r.Code, r.Token)
	if path, err := r.Options.Path(); err == nil {
		fmt.Fprintf(&b, ", Path: %v", path)
	}
	if cf, err := r.Options.ContentFormat(); err == nil {
		fmt.Fprintf(&b, ", ContentFormat: %v", cf)
	}
	if queries, err := r.Options.Queries(); err == nil {
		fmt.Fprintf(&b, ", Queries: %+v", queries)
	}
	if ValidateType(r.Type) {
		fmt.Fprintf(&b, ", Type: %v", r.Type)
	}
	if ValidateMID(r.MessageID) {
		fmt.Fprintf(&b, ", MessageID: %v", r.MessageID)
	}
	if len(r.Payload) > 0 {
		fmt.Fprintf(&b, ", PayloadLen: %v", len(r.Payload))
	}
	return b.String()
}
