package codes

import (
	"fmt"
	"strconv"
)

// A Code is an unsigned 8-bit number that consists of a 3-bit class and a 5-bit detail.
type Code uint8

// Request Codes
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response Codes
const (
	Created                 Code = 65
	Deleted                 Code = 66
	Valid                   Code = 67
	Changed                 Code = 68
	Content                 Code = 69
	Continue                Code = 95
	BadRequest              Code = 128
	Unauthorized            Code = 129
	BadOption               Code = 130
	Forbidden               Code = 131
	NotFound                Code = 132
	MethodNotAllowed        Code = 133
	NotAcceptable           Code = 134
	RequestEntityIncomplete Code = 136
	PreconditionFailed      Code = 140
	RequestEntityTooLarge   Code = 141
	UnsupportedMediaType    Code = 143
	InternalServerError     Code = 160
	NotImplemented          Code = 161
	BadGateway              Code = 162
	ServiceUnavailable      Code = 163
	GatewayTimeout          Code = 164
	ProxyingNotSupported    Code = 165
)

// Signaling Codes for TCP
const (
	CSM     Code = 225
	Ping    Code = 226
	Pong    Code = 227
	Release Code = 228
	Abort   Code = 229
)

const _maxCode = 255

// strToCode maps quoted code names to codes.
var strToCode = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for c, name := range codeNames {
		m[strconv.Quote(name)] = c
	}
	return m
}()

// Class returns the class of the code, e.g. 2 for 2.05.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the detail of the code, e.g. 5 for 2.05.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// Dotted returns the code in c.dd notation.
func (c Code) Dotted() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

func (c Code) IsResponse() bool {
	return c.Class() >= 2 && c.Class() <= 5
}

func (c Code) IsSignal() bool {
	return c.Class() == 7
}

// IsSuccess reports whether the code belongs to class 2.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// ToCode builds a code from its class and detail.
func ToCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// UnmarshalJSON unmarshals b into the Code.
func (c *Code) UnmarshalJSON(b []byte) error {
	// From json.Unmarshaler: By convention, to approximate the behavior of
	// Unmarshal itself, Unmarshalers implement UnmarshalJSON([]byte("null")) as
	// a no-op.
	if string(b) == "null" {
		return nil
	}
	if c == nil {
		return fmt.Errorf("nil receiver passed to UnmarshalJSON")
	}

	if ci, err := strconv.ParseUint(string(b), 10, 8); err == nil {
		*c = Code(ci)
		return nil
	}

	if jc, ok := strToCode[string(b)]; ok {
		*c = jc
		return nil
	}
	return fmt.Errorf("invalid code: %q", b)
}
