package blockwise

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/golib/memfile"
	"github.com/plgd-dev/go-coap-exchange/message"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

// ErrNotEnoughData is returned when the source of a Sender has no data available yet
// but did not reach the end of the stream. The block has to be produced later.
var ErrNotEnoughData = errors.New("not enough data buffered")

// ErrBlockOutOfRange is returned when a block starts behind the end of the body.
var ErrBlockOutOfRange = errors.New("block is out of range of the body")

// Sender produces blocks of one Block1 or Block2 series from a body that is pulled from a reader.
//
// Bytes pulled from the source are retained so any block inside the produced range can be
// requested again, e.g. a retransmitted Block2 request.
type Sender struct {
	option  message.OptionID
	src     io.Reader
	buf     *memfile.File
	pulled  int64
	eof     bool
	szx     SZX
	nextNum int64
	sent    *Block
	state   State
}

// NewSender creates a Sender of option (Block1 or Block2) that splits src into blocks of szx.
func NewSender(option message.OptionID, src io.Reader, szx SZX) *Sender {
	return &Sender{
		option: option,
		src:    src,
		buf:    memfile.New(make([]byte, 0, szx.Size()+1)),
		szx:    szx,
	}
}

// NewSenderFromBytes creates a Sender over a body that is fully available.
func NewSenderFromBytes(option message.OptionID, payload []byte, szx SZX) *Sender {
	return NewSender(option, bytes.NewReader(payload), szx)
}

func (s *Sender) Option() message.OptionID {
	return s.option
}

func (s *Sender) SZX() SZX {
	return s.szx
}

func (s *Sender) State() State {
	return s.state
}

// Size returns the size of the whole body once it is known.
func (s *Sender) Size() (int64, bool) {
	return s.pulled, s.eof
}

// Sent returns the block that waits for an acknowledgement.
func (s *Sender) Sent() (Block, bool) {
	if s.sent == nil {
		return Block{}, false
	}
	return *s.sent, true
}

// NeedsBlocks reports whether the body does not fit into a single block of szx.
func (s *Sender) NeedsBlocks(szx SZX) (bool, error) {
	if err := s.fill(szx.Size() + 1); err != nil {
		return false, err
	}
	return s.pulled > szx.Size(), nil
}

func (s *Sender) fill(until int64) error {
	var chunk [1024]byte
	for !s.eof && s.pulled < until {
		want := until - s.pulled
		if want > int64(len(chunk)) {
			want = int64(len(chunk))
		}
		n, err := s.src.Read(chunk[:want])
		if n > 0 {
			if _, werr := s.buf.WriteAt(chunk[:n], s.pulled); werr != nil {
				return werr
			}
			s.pulled += int64(n)
		}
		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
		case err != nil:
			return fmt.Errorf("cannot read body: %w", err)
		case n == 0:
			return ErrNotEnoughData
		}
	}
	return nil
}

// Block returns the payload of block num of size szx and whether more blocks follow.
//
// ErrNotEnoughData is returned when the source cannot provide the block yet.
func (s *Sender) Block(num int64, szx SZX) ([]byte, bool, error) {
	if !szx.Valid() {
		return nil, false, ErrInvalidSZX
	}
	if s.buf == nil {
		return nil, false, ErrTransferFinished
	}
	size := szx.Size()
	offset := num * size
	// one byte behind the block decides the more flag
	if err := s.fill(offset + size + 1); err != nil {
		return nil, false, err
	}
	if offset > s.pulled || (offset == s.pulled && offset > 0) {
		return nil, false, fmt.Errorf("%w: block %v, body %v bytes", ErrBlockOutOfRange, Block{Num: num, SZX: szx}, s.pulled)
	}
	end := offset + size
	more := true
	if end >= s.pulled {
		end = s.pulled
		more = false
	}
	payload := make([]byte, end-offset)
	if _, err := s.buf.ReadAt(payload, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	return payload, more, nil
}

// Next returns the next block of the series. The same block is returned until it is acknowledged.
func (s *Sender) Next() (Block, []byte, error) {
	switch s.state {
	case Complete, Aborted:
		return Block{}, nil, ErrTransferFinished
	}
	payload, more, err := s.Block(s.nextNum, s.szx)
	if err != nil {
		return Block{}, nil, err
	}
	b := Block{Num: s.nextNum, More: more, SZX: s.szx}
	s.sent = &b
	s.state = AwaitingNextBlock
	return b, payload, nil
}

// Acknowledge processes the block option echoed by the peer for the last block returned by Next.
// The peer may ask to continue with smaller blocks. It returns true when the last block was acknowledged.
func (s *Sender) Acknowledge(ack Block) (bool, error) {
	if s.sent == nil {
		return false, s.abort(fmt.Errorf("%w: nothing was sent", coapErrors.ErrOutOfOrderBlock))
	}
	sent := *s.sent
	if err := Negotiate(sent.SZX, ack.SZX); err != nil {
		return false, s.abort(err)
	}
	// the acknowledgement may use the new size, it still has to cover the sent block
	if ack.Offset() != sent.Offset() && ack.Num != sent.Num {
		return false, s.abort(fmt.Errorf("%w: sent %v, acknowledged %v", coapErrors.ErrOutOfOrderBlock, sent, ack))
	}
	s.sent = nil
	if !sent.More {
		s.state = Complete
		return true, nil
	}
	offset := sent.Offset() + sent.SZX.Size()
	s.szx = ack.SZX
	s.nextNum = offset / s.szx.Size()
	s.state = Reassembling
	return false, nil
}

// Abort terminates the series.
func (s *Sender) Abort() {
	s.state = Aborted
	s.buf = nil
}

func (s *Sender) abort(err error) error {
	s.Abort()
	return err
}
