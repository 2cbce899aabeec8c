// Package coder encodes and decodes CoAP messages of datagram transports (RFC 7252 section 3).
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
package coder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

var DefaultCoder = new(Coder)

const (
	version    = 1
	headerLen  = 4
	payloadTag = 0xff
)

type Coder struct {
	// AllowUnknownCriticalOptions permits encoding and decoding messages with options this
	// endpoint does not understand.
	AllowUnknownCriticalOptions bool
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", coapErrors.ErrMalformedMessage, err)
}

// header is the fixed part of a datagram.
type header struct {
	typ       message.Type
	tokenLen  int
	code      codes.Code
	messageID uint16
}

func (h header) put(buf []byte) {
	buf[0] = version<<6 | byte(h.typ)<<4 | byte(h.tokenLen)
	buf[1] = byte(h.code)
	binary.BigEndian.PutUint16(buf[2:], h.messageID)
}

func parseHeader(data []byte) (header, error) {
	if len(data) < headerLen {
		return header{}, ErrMessageTruncated
	}
	if data[0]>>6 != version {
		return header{}, ErrMessageInvalidVersion
	}
	h := header{
		typ:       message.Type(data[0]>>4&0x3),
		tokenLen:  int(data[0] & 0xf),
		code:      codes.Code(data[1]),
		messageID: binary.BigEndian.Uint16(data[2:headerLen]),
	}
	if h.tokenLen > message.MaxTokenSize {
		return header{}, message.ErrInvalidTokenLen
	}
	return h, nil
}

// Size returns the length of the encoded datagram.
func (c *Coder) Size(m message.Message) (int, error) {
	if len(m.Token) > message.MaxTokenSize {
		return -1, malformed(message.ErrInvalidTokenLen)
	}
	optionsLen, err := m.Options.Size()
	if err != nil {
		return -1, malformed(err)
	}
	size := headerLen + len(m.Token) + optionsLen
	if len(m.Payload) > 0 {
		size += 1 + len(m.Payload)
	}
	return size, nil
}

// Encode writes m to buf. It returns ErrTooSmall together with the required size
// when buf is too short.
func (c *Coder) Encode(m message.Message, buf []byte) (int, error) {
	switch {
	case !message.ValidateMID(m.MessageID):
		return -1, malformed(fmt.Errorf("invalid MessageID(%v)", m.MessageID))
	case !message.ValidateType(m.Type):
		return -1, malformed(fmt.Errorf("invalid Type(%v)", m.Type))
	}
	if !c.AllowUnknownCriticalOptions {
		if id, ok := m.Options.FirstUnknownCritical(); ok {
			return -1, message.UnknownCriticalOptionError{ID: id}
		}
	}
	size, err := c.Size(m)
	if err != nil {
		return -1, err
	}
	if len(buf) < size {
		return size, message.ErrTooSmall
	}
	header{
		typ:       m.Type,
		tokenLen:  len(m.Token),
		code:      m.Code,
		messageID: uint16(m.MessageID),
	}.put(buf)
	n := headerLen
	n += copy(buf[n:], m.Token)
	optionsLen, err := m.Options.Marshal(buf[n:])
	if err != nil {
		return -1, malformed(err)
	}
	n += optionsLen
	if len(m.Payload) > 0 {
		buf[n] = payloadTag
		n++
		n += copy(buf[n:], m.Payload)
	}
	return n, nil
}

// Marshal encodes m into a newly allocated buffer.
func (c *Coder) Marshal(m message.Message) ([]byte, error) {
	size, err := c.Size(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := c.Encode(m, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode parses data into m. Token, option values and payload reference data.
//
// When the message contains an unrecognized critical option and AllowUnknownCriticalOptions
// is not set, m is fully filled and an error matching errors.ErrUnknownCriticalOption is
// returned so the caller is able to answer with 4.02 Bad Option.
func (c *Coder) Decode(data []byte, m *message.Message) (int, error) {
	h, err := parseHeader(data)
	if err != nil {
		return -1, malformed(err)
	}
	body := data[headerLen:]
	if h.code == codes.Empty && (h.tokenLen > 0 || len(body) > 0) {
		return -1, malformed(ErrEmptyMessageNotEmpty)
	}
	if len(body) < h.tokenLen {
		return -1, malformed(ErrMessageTruncated)
	}
	var token []byte
	if h.tokenLen > 0 {
		token = body[:h.tokenLen]
	}
	body = body[h.tokenLen:]

	m.Options = m.Options[:0]
	n, err := m.Options.Unmarshal(body)
	if err != nil {
		return -1, malformed(err)
	}
	var payload []byte
	if rest := body[n:]; len(rest) > 0 {
		if len(rest) == 1 {
			return -1, malformed(message.ErrPayloadMarkerWithoutPayload)
		}
		payload = rest[1:]
	}

	m.Type = h.typ
	m.Code = h.code
	m.MessageID = int32(h.messageID)
	m.Token = token
	m.Payload = payload
	if id, ok := m.Options.FirstUnknownCritical(); ok && !c.AllowUnknownCriticalOptions {
		return len(data), message.UnknownCriticalOptionError{ID: id}
	}
	return len(data), nil
}

// IsUnknownCriticalOption reports whether err was returned by Decode for a message that was fully parsed
// but carries an unrecognized critical option.
func IsUnknownCriticalOption(err error) bool {
	return errors.Is(err, coapErrors.ErrUnknownCriticalOption)
}
