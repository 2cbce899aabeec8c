package blockwise

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

// Block Option value is represented: https://tools.ietf.org/html/rfc7959#section-2.2
//  0
//  0 1 2 3 4 5 6 7
// +-+-+-+-+-+-+-+-+
// |  NUM  |M| SZX |
// +-+-+-+-+-+-+-+-+
//  0                   1
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          NUM          |M| SZX |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//  0                   1                   2
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                   NUM                 |M| SZX |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	// max block size is 3bytes: https://tools.ietf.org/html/rfc7959#section-2.1
	maxBlockValue = 0xffffff
	// maxBlockNumber is 20bits (NUM)
	maxBlockNumber = 0xfffff
	// moreBlocksFollowingMask is represented by one bit (M)
	moreBlocksFollowingMask = 0x8
	// szxMask last 3bits represents SZX (SZX)
	szxMask = 0x7
)

var (
	ErrInvalidSZX             = errors.New("invalid block-wise transfer szx")
	ErrBlockNumberExceedLimit = errors.New("block number exceed limit 1,048,575")
	ErrBlockInvalidSize       = errors.New("block has invalid size")
)

// SZX enum representation for the size of the block: https://tools.ietf.org/html/rfc7959#section-2.2
//
// BERT (SZX 7) is not supported.
type SZX uint8

const (
	// SZX16 block of size 16bytes
	SZX16 SZX = 0
	// SZX32 block of size 32bytes
	SZX32 SZX = 1
	// SZX64 block of size 64bytes
	SZX64 SZX = 2
	// SZX128 block of size 128bytes
	SZX128 SZX = 3
	// SZX256 block of size 256bytes
	SZX256 SZX = 4
	// SZX512 block of size 512bytes
	SZX512 SZX = 5
	// SZX1024 block of size 1024bytes
	SZX1024 SZX = 6
)

// Size number of bytes.
func (s SZX) Size() int64 {
	if !s.Valid() {
		return -1
	}
	return 16 << s
}

func (s SZX) Valid() bool {
	return s <= SZX1024
}

func (s SZX) String() string {
	return fmt.Sprintf("SZX(%d)", s.Size())
}

// SZXFromSize returns the largest SZX whose block fits into size bytes.
func SZXFromSize(size int64) (SZX, error) {
	if size < SZX16.Size() {
		return 0, fmt.Errorf("%w: size %v", ErrInvalidSZX, size)
	}
	szx := SZX1024
	for szx.Size() > size {
		szx--
	}
	return szx, nil
}

// EncodeBlockOption encodes block values to coap option.
func EncodeBlockOption(szx SZX, blockNumber int64, moreBlocksFollowing bool) (uint32, error) {
	if !szx.Valid() {
		return 0, ErrInvalidSZX
	}
	if blockNumber < 0 || blockNumber > maxBlockNumber {
		return 0, ErrBlockNumberExceedLimit
	}
	blockVal := uint32(blockNumber << 4)
	if moreBlocksFollowing {
		blockVal |= moreBlocksFollowingMask
	}
	blockVal |= uint32(szx)
	return blockVal, nil
}

// DecodeBlockOption decodes coap block option to block values.
func DecodeBlockOption(blockVal uint32) (szx SZX, blockNumber int64, moreBlocksFollowing bool, err error) {
	if blockVal > maxBlockValue {
		err = ErrBlockInvalidSize
		return
	}
	szx = SZX(blockVal & szxMask)
	if !szx.Valid() {
		err = ErrInvalidSZX
		return
	}
	moreBlocksFollowing = (blockVal & moreBlocksFollowingMask) != 0
	blockNumber = int64(blockVal) >> 4
	return
}

// Block is the decoded value of a Block1 or Block2 option.
type Block struct {
	Num  int64
	More bool
	SZX  SZX
}

func (b Block) String() string {
	more := 0
	if b.More {
		more = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, more, b.SZX.Size())
}

// Offset returns the position of the first byte of the block in the whole body.
func (b Block) Offset() int64 {
	return b.Num * b.SZX.Size()
}

// Marshal encodes the block in the minimal number of bytes, a zero value takes one byte.
func (b Block) Marshal() ([]byte, error) {
	v, err := EncodeBlockOption(b.SZX, b.Num, b.More)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 3)
	n, err := message.EncodeUint32(buf, v)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return buf[:1], nil
	}
	return buf[:n], nil
}

// Unmarshal decodes the value of a block option.
func Unmarshal(value []byte) (Block, error) {
	if len(value) == 0 || len(value) > 3 {
		return Block{}, fmt.Errorf("%w: %w: length %v", coapErrors.ErrMalformedMessage, ErrBlockInvalidSize, len(value))
	}
	v, _, err := message.DecodeUint32(value)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %w", coapErrors.ErrMalformedMessage, err)
	}
	szx, num, more, err := DecodeBlockOption(v)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %w", coapErrors.ErrMalformedMessage, err)
	}
	return Block{Num: num, More: more, SZX: szx}, nil
}

// GetBlock returns the block option id of options. The bool result reports whether the option is present.
func GetBlock(options message.Options, id message.OptionID) (Block, bool, error) {
	v, err := options.GetBytes(id)
	if err != nil {
		return Block{}, false, nil
	}
	b, err := Unmarshal(v)
	if err != nil {
		return Block{}, true, fmt.Errorf("cannot decode %v option: %w", id, err)
	}
	return b, true, nil
}

// SetBlock sets the block option id of options to b.
func SetBlock(options message.Options, id message.OptionID, b Block) (message.Options, error) {
	v, err := b.Marshal()
	if err != nil {
		return options, err
	}
	return options.SetBytes(id, v), nil
}

// Negotiate checks the size of a block produced by the peer against the size this endpoint asked for.
// The producer may shrink blocks but never grow them.
func Negotiate(requested, offered SZX) error {
	if !offered.Valid() {
		return fmt.Errorf("%w: %w", coapErrors.ErrBlockNegotiation, ErrInvalidSZX)
	}
	if offered > requested {
		return fmt.Errorf("%w: requested %v, offered %v", coapErrors.ErrBlockNegotiation, requested, offered)
	}
	return nil
}

// MinSZX returns the smaller of the two sizes.
func MinSZX(a, b SZX) SZX {
	if a < b {
		return a
	}
	return b
}

// TransferKey identifies the target of a request independently of its token, so continuation
// requests of one transfer are matched even when the peer changes the token per block.
func TransferKey(code codes.Code, options message.Options) string {
	var b strings.Builder
	b.WriteString(code.String())
	for _, o := range options {
		if !o.ID.IsRequestKey() {
			continue
		}
		fmt.Fprintf(&b, ":%d=%x", o.ID, o.Value)
	}
	return b.String()
}
