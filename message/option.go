package message

import (
	"encoding/binary"
	"strconv"
)

const (
	max1ByteNumber = uint32(^uint8(0))
	max2ByteNumber = uint32(^uint16(0))
	max3ByteNumber = uint32(0xffffff)
)

const (
	ExtendOptionByteCode   = 13
	ExtendOptionByteAddend = 13
	ExtendOptionWordCode   = 14
	ExtendOptionWordAddend = 269
	ExtendOptionError      = 15

	maxOptionExtValue = ExtendOptionWordAddend + 0xffff
)

// OptionID identifies an option in a message.
type OptionID uint16

// Option numbers registered by RFC 7252 section 12.2, RFC 7959 and RFC 7967.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

var optionIDToString = map[OptionID]string{
	IfMatch:       "IfMatch",
	URIHost:       "URIHost",
	ETag:          "ETag",
	IfNoneMatch:   "IfNoneMatch",
	Observe:       "Observe",
	URIPort:       "URIPort",
	LocationPath:  "LocationPath",
	URIPath:       "URIPath",
	ContentFormat: "ContentFormat",
	MaxAge:        "MaxAge",
	URIQuery:      "URIQuery",
	Accept:        "Accept",
	LocationQuery: "LocationQuery",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "ProxyURI",
	ProxyScheme:   "ProxyScheme",
	Size1:         "Size1",
	NoResponse:    "NoResponse",
}

func (o OptionID) String() string {
	if str, ok := optionIDToString[o]; ok {
		return str
	}
	return "Option(" + strconv.FormatInt(int64(o), 10) + ")"
}

// IsCritical reports whether a recipient that does not understand the option must reject the message.
func (o OptionID) IsCritical() bool {
	return o&1 == 1
}

// IsKnown reports whether the option is recognized by this endpoint.
func (o OptionID) IsKnown() bool {
	_, ok := CoapOptionDefs[o]
	return ok
}

// IsRequestKey reports whether the option identifies the target resource of a request.
// Such options are used to match continuation requests of a block-wise transfer.
func (o OptionID) IsRequestKey() bool {
	switch o {
	case URIHost, URIPort, URIPath, URIQuery, ProxyURI, ProxyScheme:
		return true
	}
	return false
}

// Option value format (RFC7252 section 3.2)
type ValueFormat uint8

const (
	ValueUnknown ValueFormat = iota
	ValueEmpty
	ValueOpaque
	ValueUint
	ValueString
)

type OptionDef struct {
	ValueFormat ValueFormat
	MinLen      int
	MaxLen      int
}

var CoapOptionDefs = map[OptionID]OptionDef{
	IfMatch:       {ValueFormat: ValueOpaque, MinLen: 0, MaxLen: 8},
	URIHost:       {ValueFormat: ValueString, MinLen: 1, MaxLen: 255},
	ETag:          {ValueFormat: ValueOpaque, MinLen: 1, MaxLen: 8},
	IfNoneMatch:   {ValueFormat: ValueEmpty, MinLen: 0, MaxLen: 0},
	Observe:       {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	URIPort:       {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	LocationPath:  {ValueFormat: ValueString, MinLen: 0, MaxLen: 255},
	URIPath:       {ValueFormat: ValueString, MinLen: 0, MaxLen: 255},
	ContentFormat: {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	MaxAge:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	URIQuery:      {ValueFormat: ValueString, MinLen: 0, MaxLen: 255},
	Accept:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 2},
	LocationQuery: {ValueFormat: ValueString, MinLen: 0, MaxLen: 255},
	Block2:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	Block1:        {ValueFormat: ValueUint, MinLen: 0, MaxLen: 3},
	Size2:         {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	ProxyURI:      {ValueFormat: ValueString, MinLen: 1, MaxLen: 1034},
	ProxyScheme:   {ValueFormat: ValueString, MinLen: 1, MaxLen: 255},
	Size1:         {ValueFormat: ValueUint, MinLen: 0, MaxLen: 4},
	NoResponse:    {ValueFormat: ValueUint, MinLen: 0, MaxLen: 1},
}

// MediaType specifies the content format of a message.
type MediaType uint16

// Content formats.
const (
	TextPlain     MediaType = 0     // text/plain;charset=utf-8
	AppLinkFormat MediaType = 40    // application/link-format
	AppXML        MediaType = 41    // application/xml
	AppOctets     MediaType = 42    // application/octet-stream
	AppJSON       MediaType = 50    // application/json
	AppCBOR       MediaType = 60    // application/cbor (RFC 7049)
	AppSenmlJSON  MediaType = 110   // application/senml+json
	AppSenmlCbor  MediaType = 112   // application/senml+cbor
	AppLwm2mTLV   MediaType = 11542 // application/vnd.oma.lwm2m+tlv
	AppLwm2mJSON  MediaType = 11543 // application/vnd.oma.lwm2m+json
	AppLwm2mCbor  MediaType = 11544 // application/vnd.oma.lwm2m+cbor
)

var mediaTypeToString = map[MediaType]string{
	TextPlain:     "text/plain;charset=utf-8",
	AppLinkFormat: "application/link-format",
	AppXML:        "application/xml",
	AppOctets:     "application/octet-stream",
	AppJSON:       "application/json",
	AppCBOR:       "application/cbor",
	AppSenmlJSON:  "application/senml+json",
	AppSenmlCbor:  "application/senml+cbor",
	AppLwm2mTLV:   "application/vnd.oma.lwm2m+tlv",
	AppLwm2mJSON:  "application/vnd.oma.lwm2m+json",
	AppLwm2mCbor:  "application/vnd.oma.lwm2m+cbor",
}

func (c MediaType) String() string {
	if str, ok := mediaTypeToString[c]; ok {
		return str
	}
	return "unknown media type: 0x" + strconv.FormatInt(int64(c), 16)
}

func extendOpt(opt int) (int, int) {
	ext := 0
	if opt >= ExtendOptionByteAddend {
		if opt >= ExtendOptionWordAddend {
			ext = opt - ExtendOptionWordAddend
			opt = ExtendOptionWordCode
		} else {
			ext = opt - ExtendOptionByteAddend
			opt = ExtendOptionByteCode
		}
	}
	return opt, ext
}

// optionHeaderSize returns the number of bytes of the option header for delta and length.
func optionHeaderSize(delta, length int) int {
	size := 1
	for _, v := range []int{delta, length} {
		switch {
		case v >= ExtendOptionWordAddend:
			size += 2
		case v >= ExtendOptionByteAddend:
			size++
		}
	}
	return size
}

func marshalOptionHeaderExt(buf []byte, opt, ext int) int {
	switch opt {
	case ExtendOptionByteCode:
		buf[0] = byte(ext)
		return 1
	case ExtendOptionWordCode:
		binary.BigEndian.PutUint16(buf, uint16(ext))
		return 2
	}
	return 0
}

// Size returns the number of bytes of the marshaled option that follows previousID.
func (o Option) Size(previousID OptionID) (int, error) {
	if o.ID < previousID {
		return -1, ErrOptionsUnsorted
	}
	delta := int(o.ID) - int(previousID)
	if delta > maxOptionExtValue || len(o.Value) > maxOptionExtValue {
		return -1, ErrInvalidOptionHeaderExt
	}
	return optionHeaderSize(delta, len(o.Value)) + len(o.Value), nil
}

type Option struct {
	ID    OptionID
	Value []byte
}

// Marshal writes the option encoded relative to previousID into buf.
//
// When buf is too small the needed size is returned together with ErrTooSmall.
func (o Option) Marshal(buf []byte, previousID OptionID) (int, error) {
	/*
	     0   1   2   3   4   5   6   7
	   +---------------+---------------+
	   |               |               |
	   |  Option Delta | Option Length |   1 byte
	   |               |               |
	   +---------------+---------------+
	   \                               \
	   /         Option Delta          /   0-2 bytes
	   \          (extended)           \
	   +-------------------------------+
	   \                               \
	   /         Option Length         /   0-2 bytes
	   \          (extended)           \
	   +-------------------------------+
	   \                               \
	   /                               /
	   \                               \
	   /         Option Value          /   0 or more bytes
	   \                               \
	   /                               /
	   \                               \
	   +-------------------------------+
	*/
	size, err := o.Size(previousID)
	if err != nil {
		return -1, err
	}
	if len(buf) < size {
		return size, ErrTooSmall
	}
	d, dx := extendOpt(int(o.ID) - int(previousID))
	l, lx := extendOpt(len(o.Value))
	buf[0] = byte(d<<4) | byte(l)
	n := 1
	n += marshalOptionHeaderExt(buf[n:], d, dx)
	n += marshalOptionHeaderExt(buf[n:], l, lx)
	n += copy(buf[n:], o.Value)
	return n, nil
}

func parseExtOpt(data []byte, opt int) (int, int, error) {
	processed := 0
	switch opt {
	case ExtendOptionByteCode:
		if len(data) < 1 {
			return 0, -1, ErrOptionTruncated
		}
		opt = int(data[0]) + ExtendOptionByteAddend
		processed = 1
	case ExtendOptionWordCode:
		if len(data) < 2 {
			return 0, -1, ErrOptionTruncated
		}
		opt = int(binary.BigEndian.Uint16(data[:2])) + ExtendOptionWordAddend
		processed = 2
	}
	return processed, opt, nil
}

// ValidLength reports whether the value length is allowed for the option. Unknown options are always valid.
func (o Option) ValidLength() bool {
	def, ok := CoapOptionDefs[o.ID]
	if !ok {
		return true
	}
	return len(o.Value) >= def.MinLen && len(o.Value) <= def.MaxLen
}
