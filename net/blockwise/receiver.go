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

// State of a block-wise transfer.
type State int

const (
	Idle State = iota
	AwaitingNextBlock
	Reassembling
	Complete
	Aborted
)

var stateToString = map[State]string{
	Idle:              "Idle",
	AwaitingNextBlock: "AwaitingNextBlock",
	Reassembling:      "Reassembling",
	Complete:          "Complete",
	Aborted:           "Aborted",
}

func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Progress is the outcome of a block accepted by a Receiver.
type Progress int

const (
	// More means the block was stored and further blocks follow.
	More Progress = iota
	// Done means the last block was stored and the payload is complete.
	Done
	// Renegotiate means the block was dropped because it is larger than wanted;
	// block 0 has to be requested again with Receiver.SZX.
	Renegotiate
)

var (
	ErrTransferFinished   = errors.New("block-wise transfer already finished")
	ErrAlreadyDelivered   = errors.New("payload was already delivered")
	ErrTransferIncomplete = errors.New("block-wise transfer is not complete")
	ErrBlockPayloadSize   = errors.New("block payload does not match block size")
)

// Receiver reassembles a body transferred in blocks of one Block1 or Block2 series.
//
// Blocks are accepted strictly in order. Any violation aborts the transfer.
type Receiver struct {
	option    message.OptionID
	state     State
	szx       SZX
	requested bool
	lastNum   int64
	received  int64
	maxSize   int64
	buf       *memfile.File
	etag      []byte
	delivered bool
	err       error
}

// NewReceiver creates a Receiver of option (Block1 or Block2) that prefers blocks of szx and
// fails with errors.ErrPayloadTooLarge once the body exceeds maxSize bytes.
func NewReceiver(option message.OptionID, szx SZX, maxSize int64) *Receiver {
	return &Receiver{
		option:  option,
		szx:     szx,
		lastNum: -1,
		maxSize: maxSize,
		buf:     memfile.New(make([]byte, 0, szx.Size())),
	}
}

func (r *Receiver) Option() message.OptionID {
	return r.option
}

func (r *Receiver) State() State {
	return r.state
}

// SZX returns the block size wanted from the peer.
func (r *Receiver) SZX() SZX {
	return r.szx
}

// LastNum returns the number of the last accepted block or -1.
func (r *Receiver) LastNum() int64 {
	return r.lastNum
}

// Received returns the number of reassembled bytes.
func (r *Receiver) Received() int64 {
	return r.received
}

// NextBlock returns the block that is expected next at the current size.
func (r *Receiver) NextBlock() Block {
	return Block{Num: r.received / r.szx.Size(), SZX: r.szx}
}

// Err returns the reason of an aborted transfer.
func (r *Receiver) Err() error {
	return r.err
}

// Requested marks szx as explicitly asked from the peer. The peer must not answer with larger blocks.
func (r *Receiver) Requested() {
	r.requested = true
}

// Await marks that the next block was requested from the peer.
func (r *Receiver) Await() {
	if r.state == Idle || r.state == Reassembling {
		r.state = AwaitingNextBlock
	}
}

// Renegotiate changes the wanted block size. It is permitted only before any block was accepted
// and only to shrink the blocks.
func (r *Receiver) Renegotiate(szx SZX) error {
	if r.state == Complete || r.state == Aborted {
		return ErrTransferFinished
	}
	if r.lastNum >= 0 {
		return fmt.Errorf("%w: block %v was already accepted", coapErrors.ErrBlockNegotiation, r.lastNum)
	}
	if err := Negotiate(r.szx, szx); err != nil {
		return err
	}
	r.szx = szx
	r.requested = true
	return nil
}

// CheckSize validates a size indication (Size1 or Size2) of the whole body.
func (r *Receiver) CheckSize(size uint32) error {
	if r.maxSize > 0 && int64(size) > r.maxSize {
		return r.abort(fmt.Errorf("%w: announced %v bytes, limit %v", coapErrors.ErrPayloadTooLarge, size, r.maxSize))
	}
	return nil
}

// Accept stores the block b carrying payload. etag is the ETag of the message, it is compared
// for Block2 transfers only.
func (r *Receiver) Accept(b Block, etag []byte, payload []byte) (Progress, error) {
	switch r.state {
	case Complete, Aborted:
		return 0, ErrTransferFinished
	}
	if r.lastNum < 0 {
		if b.SZX > r.szx && !r.requested && b.Num == 0 {
			// the peer chose the size; ask for the first block again in the size we want
			r.requested = true
			return Renegotiate, nil
		}
	}
	if err := Negotiate(r.szx, b.SZX); err != nil {
		return 0, r.abort(err)
	}
	size := b.SZX.Size()
	if r.received%size != 0 || b.Num != r.received/size {
		return 0, r.abort(fmt.Errorf("%w: expected %v, got %v", coapErrors.ErrOutOfOrderBlock, r.received/size, b.Num))
	}
	if b.More && int64(len(payload)) != size || !b.More && int64(len(payload)) > size {
		return 0, r.abort(fmt.Errorf("%w: %w: block %v carries %v bytes", coapErrors.ErrMalformedMessage, ErrBlockPayloadSize, b, len(payload)))
	}
	if r.option == message.Block2 {
		if r.lastNum < 0 {
			r.etag = append([]byte(nil), etag...)
		} else if !bytes.Equal(r.etag, etag) {
			return 0, r.abort(fmt.Errorf("%w: ETag %x changed to %x", coapErrors.ErrResourceChanged, r.etag, etag))
		}
	}
	if r.maxSize > 0 && r.received+int64(len(payload)) > r.maxSize {
		return 0, r.abort(fmt.Errorf("%w: limit %v bytes", coapErrors.ErrPayloadTooLarge, r.maxSize))
	}
	if _, err := r.buf.Write(payload); err != nil {
		return 0, r.abort(fmt.Errorf("cannot store block %v: %w", b, err))
	}
	r.received += int64(len(payload))
	r.lastNum = b.Num
	r.szx = b.SZX
	if !b.More {
		r.state = Complete
		return Done, nil
	}
	r.state = Reassembling
	return More, nil
}

// Take returns the reassembled body. The body is handed out exactly once.
func (r *Receiver) Take() ([]byte, error) {
	if r.state != Complete {
		return nil, ErrTransferIncomplete
	}
	if r.delivered {
		return nil, ErrAlreadyDelivered
	}
	r.delivered = true
	payload := r.buf.Bytes()
	r.buf = nil
	return payload, nil
}

// Reader returns the body reassembled so far, it is used by streaming consumers.
func (r *Receiver) Reader() io.ReadSeeker {
	if r.buf == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(r.buf.Bytes())
}

// Abort terminates the transfer and releases the buffered body.
func (r *Receiver) Abort(err error) {
	_ = r.abort(err)
}

func (r *Receiver) abort(err error) error {
	if r.state == Aborted {
		return err
	}
	r.state = Aborted
	r.err = err
	r.buf = nil
	return err
}
