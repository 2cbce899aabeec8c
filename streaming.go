package coap

import (
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/golib/memfile"
	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/exchange"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
)

var (
	ErrResponseAlreadySetUp = errors.New("response was already set up")
	ErrInvalidResponseCode  = errors.New("invalid response code")

	errServiceUnavailable = errors.New("another request is being served")
	errBlock2InBlock1     = errors.New("block2 option in a non-final block1 request")
	errNoResponse         = errors.New("handler returned without a response")
)

// StreamingRequestHandler serves a request whose body is consumed while it is received.
//
// Reading past the blocks received so far answers the peer with 2.31 Continue and waits for
// its next Block1 request. The handler sets up the response with rc.SetupResponse before it
// returns, otherwise the request is answered with 5.00 Internal Server Error. The rest of the
// body is ignored once the handler returns.
type StreamingRequestHandler func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error

type streamingDispatcher struct {
	h StreamingRequestHandler
}

func (d streamingDispatcher) serve(c *Context, req *message.Message) error {
	return c.serveStreaming(req, d.h)
}

// busyDispatcher answers requests that arrive while a streamed request is served.
type busyDispatcher struct{}

func (busyDispatcher) serve(c *Context, req *message.Message) error {
	return c.respondError(req, errServiceUnavailable, nil)
}

// StreamingRequestContext is the state of a request served by a StreamingRequestHandler.
type StreamingRequestContext struct {
	c   *Context
	key string
	// pending is the request the next reply goes to
	pending *message.Message
	// block1 is the last accepted block, nil for a body sent in one message
	block1   *blockwise.Block
	receiver *blockwise.Receiver
	body     []byte

	response     *message.Message
	responseBody *memfile.File
	// responded is set when pending was already answered with an error
	responded    bool
	bodyErr      error
	transportErr error
}

// Peer returns the address of the requesting endpoint.
func (rc *StreamingRequestContext) Peer() string {
	return rc.c.peer
}

// SetupResponse sets the code and options of the response and returns the writer of its body.
// The response is sent after the handler returns. It can be set up only once.
func (rc *StreamingRequestContext) SetupResponse(code codes.Code, opts message.Options) (io.Writer, error) {
	if rc.response != nil {
		return nil, ErrResponseAlreadySetUp
	}
	if !code.IsResponse() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseCode, code)
	}
	rc.response = &message.Message{Code: code, Options: opts.Clone()}
	rc.responseBody = memfile.New(nil)
	return rc.responseBody, nil
}

func (rc *StreamingRequestContext) blockNumber() int64 {
	if rc.block1 == nil {
		return -1
	}
	return rc.block1.Num
}

// echo is the Block1 option repeated by the reply to pending.
func (rc *StreamingRequestContext) echo() *echoBlock {
	if rc.block1 == nil {
		return nil
	}
	b := *rc.block1
	b.SZX = blockwise.MinSZX(b.SZX, rc.c.blockSZX())
	return &echoBlock{option: message.Block1, block: b}
}

func (rc *StreamingRequestContext) isNextBlock(m *message.Message) bool {
	if !m.Options.HasOption(message.Block1) {
		return false
	}
	return blockwise.TransferKey(m.Code, m.Options) == rc.key
}

// fetchBlock asks the peer for the next block of the body and stores it.
func (rc *StreamingRequestContext) fetchBlock() error {
	c := rc.c
	b := *rc.block1
	b.SZX = blockwise.MinSZX(b.SZX, c.blockSZX())
	opts, err := blockwise.SetBlock(nil, message.Block1, b)
	if err != nil {
		rc.bodyErr = err
		return err
	}
	if err := c.respond(rc.pending, &message.Message{Code: codes.Continue, Options: opts}); err != nil {
		rc.transportErr = err
		return err
	}
	rc.receiver.Await()
	for {
		req, err := c.awaitRequest(rc.isNextBlock)
		if err != nil {
			rc.transportErr = err
			return err
		}
		next, _, err := blockwise.GetBlock(req.Options, message.Block1)
		if err != nil {
			if err := c.respondError(req, err, nil); err != nil {
				rc.transportErr = err
				return err
			}
			continue
		}
		if next.More && req.Options.HasOption(message.Block2) {
			if err := c.respondError(req, fmt.Errorf("%w: block %v", errBlock2InBlock1, next), nil); err != nil {
				rc.transportErr = err
				return err
			}
			continue
		}
		if _, err := rc.receiver.Accept(next, nil, req.Payload); err != nil {
			rc.bodyErr = err
			rc.responded = true
			if werr := c.respondError(req, err, nil); werr != nil {
				rc.transportErr = werr
				return werr
			}
			return err
		}
		rc.pending = req
		rc.block1 = &next
		return nil
	}
}

// BodyReader reads the body of a streamed request.
type BodyReader struct {
	rc     *StreamingRequestContext
	offset int64
}

func (r *BodyReader) buffered() int64 {
	if r.rc.receiver == nil {
		return int64(len(r.rc.body)) - r.offset
	}
	return r.rc.receiver.Received() - r.offset
}

// fill waits until at least one unread byte is buffered.
func (r *BodyReader) fill() error {
	rc := r.rc
	for r.buffered() <= 0 {
		switch {
		case rc.transportErr != nil:
			return rc.transportErr
		case rc.bodyErr != nil:
			return rc.bodyErr
		case rc.receiver == nil, rc.receiver.State() == blockwise.Complete:
			return io.EOF
		}
		if err := rc.fetchBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (r *BodyReader) copy(p []byte) int {
	if r.rc.receiver == nil {
		return copy(p, r.rc.body[r.offset:])
	}
	rd := r.rc.receiver.Reader()
	if _, err := rd.Seek(r.offset, io.SeekStart); err != nil {
		return 0
	}
	n, _ := rd.Read(p)
	return n
}

// Read implements io.Reader. It blocks until the peer sends the next block when the received
// part of the body was consumed.
func (r *BodyReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := r.copy(p)
	r.offset += int64(n)
	return n, nil
}

// ReadByte implements io.ByteReader.
func (r *BodyReader) ReadByte() (byte, error) {
	var p [1]byte
	if _, err := r.Read(p[:]); err != nil {
		return 0, err
	}
	return p[0], nil
}

// Peek returns the next byte without consuming it.
func (r *BodyReader) Peek() (byte, error) {
	if err := r.fill(); err != nil {
		return 0, err
	}
	var p [1]byte
	r.copy(p[:])
	return p[0], nil
}

// StreamingHandleIncomingPacket receives one message and dispatches it like HandleIncomingPacket,
// a new request is served by h.
func (c *Context) StreamingHandleIncomingPacket(h StreamingRequestHandler) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	var d dispatcher
	if h != nil {
		d = streamingDispatcher{h: h}
	}
	return c.handleIncomingPacket(d, c.cfg.ReceiveTimeout)
}

// awaitRequest receives messages until a request accepted by match arrives. Other messages
// are dispatched, requests among them are answered with 5.03 Service Unavailable.
func (c *Context) awaitRequest(match func(m *message.Message) bool) (*message.Message, error) {
	deadline := c.now().Add(c.cfg.ReceiveTimeout)
	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no request within %v", coapErrors.ErrReceiveTimedOut, c.cfg.ReceiveTimeout)
		}
		m, decodeErr, err := c.readMessage(remaining)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if m.Code.IsRequest() && decodeErr == nil && match(m) {
			dup, err := c.isDuplicate(m)
			if err != nil {
				return nil, err
			}
			if !dup {
				return m, nil
			}
			continue
		}
		if err := c.dispatch(m, decodeErr, busyDispatcher{}); err != nil {
			return nil, err
		}
	}
}

func (c *Context) serveStreaming(req *message.Message, h StreamingRequestHandler) error {
	rc := &StreamingRequestContext{
		c:       c,
		key:     blockwise.TransferKey(req.Code, req.Options),
		pending: req,
		body:    req.Payload,
	}
	if c.cfg.Blockwise.Enable {
		b1, hasB1, err := blockwise.GetBlock(req.Options, message.Block1)
		if err != nil {
			return c.respondError(req, err, nil)
		}
		if hasB1 {
			if b1.Num != 0 {
				return c.respondError(req, fmt.Errorf("%w: no transfer for block %v", coapErrors.ErrOutOfOrderBlock, b1), nil)
			}
			if b1.More && req.Options.HasOption(message.Block2) {
				return c.respondError(req, fmt.Errorf("%w: block %v", errBlock2InBlock1, b1), nil)
			}
			rc.receiver = blockwise.NewReceiver(message.Block1, b1.SZX, int64(c.cfg.MaxPayloadSize))
			rc.receiver.Requested()
			if size, err := req.Options.GetUint32(message.Size1); err == nil {
				if err := rc.receiver.CheckSize(size); err != nil {
					return c.respondError(req, err, nil)
				}
			}
			if _, err := rc.receiver.Accept(b1, nil, req.Payload); err != nil {
				return c.respondError(req, err, nil)
			}
			rc.block1 = &b1
			rc.body = nil
		}
	}

	herr := h(rc, req, &BodyReader{rc: rc})
	if rc.receiver != nil && rc.receiver.State() != blockwise.Complete {
		rc.receiver.Abort(herr)
	}
	switch {
	case rc.transportErr != nil:
		c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultFailed)
		return coapErrors.NewExchangeError(rc.pending.Token, rc.blockNumber(), c.onReceiveError(rc.transportErr))
	case rc.responded:
		c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultFailed)
		c.log.Debugf("streamed request %v from %v failed: %v", rc.pending.Token, c.peer, rc.bodyErr)
		return nil
	case herr != nil || rc.response == nil:
		if herr == nil {
			herr = errNoResponse
		}
		c.cfg.Errors(fmt.Errorf("cannot handle request %v: %w", req.Token, herr))
		c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultFailed)
		return c.respondCode(rc.pending, codes.InternalServerError, rc.echo())
	}
	if rc.receiver != nil {
		c.cfg.Metrics.BlockTransferFinished(metrics.DirectionIn, resultOf(rc.bodyErr))
	}
	return c.sendStreamedResponse(rc)
}

// sendStreamedResponse sends the response set up by the handler. A body larger than the block
// size is served in Block2 blocks before the function returns.
func (c *Context) sendStreamedResponse(rc *StreamingRequestContext) error {
	resp := rc.response
	resp.Payload = rc.responseBody.Bytes()
	var err error
	if resp.Options, err = rc.echo().set(resp.Options); err != nil {
		return err
	}
	req := rc.pending
	if !c.cfg.Blockwise.Enable {
		c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultCompleted)
		return c.respond(req, resp)
	}
	b2, hasB2, err := blockwise.GetBlock(req.Options, message.Block2)
	if err != nil {
		return c.respondError(req, err, rc.echo())
	}
	szx := c.blockSZX()
	if hasB2 {
		szx = blockwise.MinSZX(b2.SZX, szx)
	}
	if int64(len(resp.Payload)) <= szx.Size() && b2.Num == 0 {
		c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultCompleted)
		return c.respond(req, resp)
	}
	if !resp.Options.HasOption(message.ETag) {
		resp.Options = resp.Options.SetBytes(message.ETag, message.CalcETag(resp.Payload))
	}
	if resp.Options, err = setSize(resp.Options, message.Size2, len(resp.Payload)); err != nil {
		return err
	}
	sender := blockwise.NewSenderFromBytes(message.Block2, resp.Payload, szx)
	header := &message.Message{Code: resp.Code, Options: resp.Options.Clone().Remove(message.Block1)}
	m := &message.Message{Code: resp.Code, Options: resp.Options}
	b := blockwise.Block{Num: b2.Num, SZX: szx}
	for {
		payload, more, err := sender.Block(b.Num, b.SZX)
		if err != nil {
			c.cfg.Metrics.BlockTransferFinished(metrics.DirectionOut, metrics.ResultFailed)
			return c.respondError(req, err, nil)
		}
		b.More = more
		if m.Options, err = blockwise.SetBlock(m.Options, message.Block2, b); err != nil {
			return err
		}
		m.Payload = payload
		if err := c.respond(req, m); err != nil {
			return coapErrors.NewExchangeError(req.Token, b.Num, err)
		}
		if !more {
			c.cfg.Metrics.BlockTransferFinished(metrics.DirectionOut, metrics.ResultCompleted)
			c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), metrics.ResultCompleted)
			return nil
		}
		next, err := c.awaitRequest(func(m *message.Message) bool {
			return m.Options.HasOption(message.Block2) && blockwise.TransferKey(m.Code, m.Options) == rc.key
		})
		if err != nil {
			c.cfg.Metrics.BlockTransferFinished(metrics.DirectionOut, resultOf(err))
			return coapErrors.NewExchangeError(req.Token, b.Num, c.onReceiveError(err))
		}
		nb, _, err := blockwise.GetBlock(next.Options, message.Block2)
		if err != nil {
			return c.respondError(next, err, nil)
		}
		b = blockwise.Block{Num: nb.Num, SZX: blockwise.MinSZX(nb.SZX, c.blockSZX())}
		req = next
		m = header.Clone()
	}
}
