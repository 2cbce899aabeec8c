// Package coder frames CoAP messages for reliable transports (RFC 8323 section 3.2).
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Len  |  TKL  | Extended Length (0, 1, 2 or 4 bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|      Code     | Token (TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Len covers the options, the payload marker and the payload.
package coder

import (
	"encoding/binary"
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

var DefaultCoder = new(Coder)

// maxBodyLen keeps frame lengths representable in int on 32-bit builds.
const maxBodyLen = 0x7fff0000

// lengthClass describes one encoding of the Len nibble.
type lengthClass struct {
	nibble uint8
	// base is added to the extended length
	base int
	// extLen is the size of the extended length field
	extLen int
}

var lengthClasses = [...]lengthClass{
	{nibble: 13, base: 13, extLen: 1},
	{nibble: 14, base: 269, extLen: 2},
	{nibble: 15, base: 65805, extLen: 4},
}

// Coder encodes and decodes framed messages. Type and MessageID are not part of the frame and
// are ignored.
type Coder struct {
	// AllowUnknownCriticalOptions permits encoding and decoding messages with options this
	// endpoint does not understand.
	AllowUnknownCriticalOptions bool
}

// MessageHeader is the part of a frame in front of the options.
type MessageHeader struct {
	Token []byte
	// Length of the header including the token.
	Length uint32
	// MessageLength is the length of the whole frame.
	MessageLength uint32
	Code          codes.Code
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", coapErrors.ErrMalformedMessage, err)
}

// classOf returns the Len nibble for a body of bodyLen bytes and the size of its extended length.
func classOf(bodyLen int) (uint8, lengthClass) {
	if bodyLen < lengthClasses[0].base {
		return uint8(bodyLen), lengthClass{}
	}
	cls := lengthClasses[0]
	for _, next := range lengthClasses[1:] {
		if bodyLen < next.base {
			break
		}
		cls = next
	}
	return cls.nibble, cls
}

func putExtendedLength(buf []byte, cls lengthClass, bodyLen int) {
	v := bodyLen - cls.base
	switch cls.extLen {
	case 1:
		buf[0] = uint8(v)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	}
}

func bodySize(m message.Message) (int, error) {
	n, err := m.Options.Size()
	if err != nil {
		return -1, malformed(err)
	}
	if len(m.Payload) > 0 {
		n += 1 + len(m.Payload)
	}
	if n >= maxBodyLen {
		return -1, malformed(message.ErrInvalidValueLength)
	}
	return n, nil
}

// Size returns the length of the encoded frame.
func (c *Coder) Size(m message.Message) (int, error) {
	if len(m.Token) > message.MaxTokenSize {
		return -1, malformed(message.ErrInvalidTokenLen)
	}
	bodyLen, err := bodySize(m)
	if err != nil {
		return -1, err
	}
	_, cls := classOf(bodyLen)
	return 2 + cls.extLen + len(m.Token) + bodyLen, nil
}

// Encode writes the frame of m to buf. It returns ErrTooSmall together with the required size
// when buf is too short.
func (c *Coder) Encode(m message.Message, buf []byte) (int, error) {
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
	bodyLen, err := bodySize(m)
	if err != nil {
		return -1, err
	}
	nibble, cls := classOf(bodyLen)
	buf[0] = nibble<<4 | uint8(len(m.Token))
	putExtendedLength(buf[1:], cls, bodyLen)
	n := 1 + cls.extLen
	buf[n] = byte(m.Code)
	n++
	n += copy(buf[n:], m.Token)
	optionsLen, err := m.Options.Marshal(buf[n:])
	if err != nil {
		return -1, malformed(err)
	}
	n += optionsLen
	if len(m.Payload) > 0 {
		buf[n] = 0xff
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

// DecodeHeader parses the frame header. It returns message.ErrShortRead when data does not contain the whole header.
func (c *Coder) DecodeHeader(data []byte, h *MessageHeader) (int, error) {
	if len(data) == 0 {
		return -1, message.ErrShortRead
	}
	nibble := data[0] >> 4
	tkl := int(data[0] & 0x0f)
	if tkl > message.MaxTokenSize {
		return -1, malformed(message.ErrInvalidTokenLen)
	}
	off := 1
	bodyLen := int(nibble)
	for _, cls := range lengthClasses {
		if cls.nibble != nibble {
			continue
		}
		if len(data) < off+cls.extLen {
			return -1, message.ErrShortRead
		}
		ext := data[off : off+cls.extLen]
		var v uint32
		for _, b := range ext {
			v = v<<8 | uint32(b)
		}
		if int64(v) >= int64(maxBodyLen-cls.base) {
			return -1, malformed(message.ErrInvalidValueLength)
		}
		bodyLen = cls.base + int(v)
		off += cls.extLen
	}
	// code and token follow the length
	h.MessageLength = uint32(off + 1 + tkl + bodyLen)
	if len(data) < off+1+tkl {
		return -1, message.ErrShortRead
	}
	h.Code = codes.Code(data[off])
	off++
	h.Token = nil
	if tkl > 0 {
		h.Token = data[off : off+tkl]
	}
	off += tkl
	h.Length = uint32(off)
	return off, nil
}

// FrameLength returns the length of the first frame in data or message.ErrShortRead
// when the frame header is not complete yet.
func (c *Coder) FrameLength(data []byte) (int, error) {
	var h MessageHeader
	if _, err := c.DecodeHeader(data, &h); err != nil {
		return -1, err
	}
	return int(h.MessageLength), nil
}

// DecodeWithHeader decodes the options and the payload of a frame whose header was parsed already.
// data holds the frame without its header.
func (c *Coder) DecodeWithHeader(data []byte, header MessageHeader, m *message.Message) (int, error) {
	m.Options = m.Options[:0]
	n, err := m.Options.Unmarshal(data)
	if err != nil {
		return -1, malformed(err)
	}
	rest := data[n:]
	m.Payload = nil
	switch len(rest) {
	case 0:
	case 1:
		return -1, malformed(message.ErrPayloadMarkerWithoutPayload)
	default:
		m.Payload = rest[1:]
	}
	m.Code = header.Code
	m.Token = header.Token
	processed := int(header.Length) + len(data)
	if id, ok := m.Options.FirstUnknownCritical(); ok && !header.Code.IsSignal() && !c.AllowUnknownCriticalOptions {
		return processed, message.UnknownCriticalOptionError{ID: id}
	}
	return processed, nil
}

// Decode parses exactly one frame from data.
func (c *Coder) Decode(data []byte, m *message.Message) (int, error) {
	var header MessageHeader
	if _, err := c.DecodeHeader(data, &header); err != nil {
		return -1, err
	}
	if uint32(len(data)) < header.MessageLength {
		return -1, message.ErrShortRead
	}
	return c.DecodeWithHeader(data[header.Length:header.MessageLength], header, m)
}
