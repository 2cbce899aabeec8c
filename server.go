package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/exchange"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/math"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
)

// RequestHandler serves a request of the peer. The payload of req is the whole body, blocks
// of a Block1 transfer are reassembled before the handler is called.
//
// A nil response without error sends no response, a confirmable request is still acknowledged.
// An error is answered with 5.00 Internal Server Error. A response larger than the block size is
// sent in Block2 blocks.
type RequestHandler func(req *message.Message) (*message.Message, error)

// dispatcher serves new requests of the peer.
type dispatcher interface {
	serve(c *Context, req *message.Message) error
}

func (h RequestHandler) serve(c *Context, req *message.Message) error {
	return c.serveRequest(req, h)
}

// serverTransfer is the state of a block-wise transfer this endpoint serves.
type serverTransfer struct {
	*exchange.Exchange
	key string
	// response is the header of the response served in Block2 blocks
	response *message.Message
}

// handleRequest processes a request of the peer: duplicates are answered from the cache,
// an unrecognized critical option is answered with 4.02.
func (c *Context) handleRequest(req *message.Message, decodeErr error, d dispatcher) error {
	if dup, err := c.isDuplicate(req); dup || err != nil {
		return err
	}
	if decodeErr != nil {
		c.log.Warnf("request from %v rejected: %v", c.peer, decodeErr)
		return c.respondError(req, decodeErr, nil)
	}
	if d == nil {
		c.log.Debugf("dropping request %v from %v: no handler", req.Token, c.peer)
		return nil
	}
	return d.serve(c, req)
}

// respond sends resp as the reply to req and caches it for duplicates of req.
func (c *Context) respond(req, resp *message.Message) error {
	resp.Token = req.Token
	switch {
	case c.reliable():
		resp.Type = message.Unset
		resp.MessageID = -1
	case req.Type == message.Confirmable:
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
	default:
		resp.Type = message.NonConfirmable
		resp.MessageID = c.nextMID()
	}
	data, err := c.write(resp)
	if err != nil {
		return fmt.Errorf(errFmtWriteResponse, err)
	}
	c.remember(req, data)
	return nil
}

// respondError answers req with the response code matching cause. The block option echo is
// added when the error concerns a block of a transfer.
func (c *Context) respondError(req *message.Message, cause error, echo *echoBlock) error {
	c.log.Debugf("request %v from %v failed: %v", req.Token, c.peer, cause)
	return c.respondCode(req, errorCode(cause), echo)
}

func (c *Context) respondCode(req *message.Message, code codes.Code, echo *echoBlock) error {
	resp := &message.Message{Code: code}
	if code == codes.RequestEntityTooLarge {
		resp.Options = resp.Options.SetUint32(message.Size1, math.MustSafeCastTo[uint32](c.cfg.MaxPayloadSize))
	}
	var err error
	if resp.Options, err = echo.set(resp.Options); err != nil {
		return err
	}
	return c.respond(req, resp)
}

// echoBlock is the block option a response repeats from its request.
type echoBlock struct {
	option message.OptionID
	block  blockwise.Block
}

func (e *echoBlock) set(opts message.Options) (message.Options, error) {
	if e == nil {
		return opts, nil
	}
	return blockwise.SetBlock(opts, e.option, e.block)
}

// startTransfer registers a transfer for the request. A transfer of the same resource is restarted,
// a token still used by a transfer of another resource fails with ErrTokenCollision and leaves
// that transfer untouched.
func (c *Context) startTransfer(req *message.Message, key string) (*serverTransfer, error) {
	if other, ok := c.transfers.LookupByToken(c.peer, req.Token); ok && other.key != key {
		return nil, fmt.Errorf("%w: %v is used by an open transfer", coapErrors.ErrTokenCollision, req.Token)
	}
	if old, _, ok := c.findTransfer(key); ok {
		c.transfers.Remove(old.Peer, old.Token)
		c.endTransfer(old, fmt.Errorf("transfer restarted by %v", req.Token))
	}
	now := c.now()
	t := &serverTransfer{
		Exchange: exchange.New(c.peer, req.Token, exchange.Server, now),
		key:      key,
	}
	t.Deadline = now.Add(c.cfg.Blockwise.TransferTimeout)
	if err := c.transfers.Register(c.peer, req.Token, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Context) findTransfer(key string) (*serverTransfer, exchange.Key, bool) {
	return c.transfers.Find(func(_ exchange.Key, t *serverTransfer) bool {
		return t.key == key
	})
}

// continueTransfer returns the transfer of key and moves it to the token of req.
func (c *Context) continueTransfer(req *message.Message, key string) (*serverTransfer, bool) {
	t, _, ok := c.findTransfer(key)
	if !ok {
		return nil, false
	}
	if string(t.Token) != string(req.Token) {
		if err := c.transfers.Rekey(c.peer, t.Token, req.Token); err != nil {
			c.log.Debugf("cannot move transfer %v to token %v: %v", t.Token, req.Token, err)
			return nil, false
		}
		t.Token = append(message.Token(nil), req.Token...)
	}
	t.Deadline = c.now().Add(c.cfg.Blockwise.TransferTimeout)
	return t, true
}

// endTransfer releases a transfer that was already removed from the table.
func (c *Context) endTransfer(t *serverTransfer, err error) {
	direction := metrics.DirectionOut
	if t.Receiver != nil {
		direction = metrics.DirectionIn
	}
	result := resultOf(err)
	c.cfg.Metrics.BlockTransferFinished(direction, result)
	c.cfg.Metrics.ExchangeFinished(exchange.Server.String(), result)
	t.Release(err)
}

func (c *Context) removeTransfer(t *serverTransfer, err error) {
	c.transfers.Remove(t.Peer, t.Token)
	c.endTransfer(t, err)
}

// serveRequest serves a request with an asynchronous handler.
func (c *Context) serveRequest(req *message.Message, h RequestHandler) error {
	if !c.cfg.Blockwise.Enable {
		return c.callHandler(req, h, nil)
	}
	b1, hasB1, err := blockwise.GetBlock(req.Options, message.Block1)
	if err != nil {
		return c.respondError(req, err, nil)
	}
	b2, hasB2, err := blockwise.GetBlock(req.Options, message.Block2)
	if err != nil {
		return c.respondError(req, err, nil)
	}
	key := blockwise.TransferKey(req.Code, req.Options)
	var echo *echoBlock
	if hasB1 {
		body, ack, complete, err := c.receiveBlock1(req, b1, key)
		if err != nil || !complete {
			return err
		}
		req = req.Clone()
		req.Payload = body
		echo = &echoBlock{option: message.Block1, block: ack}
	}
	if hasB2 && b2.Num > 0 {
		if t, ok := c.continueTransfer(req, key); ok && t.Sender != nil {
			return c.serveBlock2(req, t, b2)
		}
	}
	return c.callHandler(req, h, echo)
}

// receiveBlock1 stores a block of a request body. The body is returned once the last block
// was received, previous blocks are answered with 2.31 Continue.
func (c *Context) receiveBlock1(req *message.Message, b blockwise.Block, key string) ([]byte, blockwise.Block, bool, error) {
	ack := blockwise.Block{Num: b.Num, More: b.More, SZX: blockwise.MinSZX(b.SZX, c.blockSZX())}
	echo := &echoBlock{option: message.Block1, block: ack}
	var t *serverTransfer
	if b.Num == 0 {
		if !b.More {
			return req.Payload, ack, true, nil
		}
		var err error
		if t, err = c.startTransfer(req, key); err != nil {
			return nil, ack, false, c.respondError(req, err, nil)
		}
		t.Receiver = blockwise.NewReceiver(message.Block1, b.SZX, int64(c.cfg.MaxPayloadSize))
		t.Receiver.Requested()
		if size, err := req.Options.GetUint32(message.Size1); err == nil {
			if err := t.Receiver.CheckSize(size); err != nil {
				c.removeTransfer(t, err)
				return nil, ack, false, c.respondError(req, err, nil)
			}
		}
	} else {
		var ok bool
		t, ok = c.continueTransfer(req, key)
		if !ok || t.Receiver == nil {
			err := fmt.Errorf("%w: no transfer for block %v", coapErrors.ErrOutOfOrderBlock, b)
			return nil, ack, false, c.respondError(req, err, nil)
		}
	}
	progress, err := t.Receiver.Accept(b, nil, req.Payload)
	if err != nil {
		c.removeTransfer(t, err)
		return nil, ack, false, c.respondError(req, err, nil)
	}
	if progress == blockwise.More {
		t.Receiver.Await()
		opts, err := echo.set(nil)
		if err != nil {
			return nil, ack, false, err
		}
		return nil, ack, false, c.respond(req, &message.Message{Code: codes.Continue, Options: opts})
	}
	body, err := t.Receiver.Take()
	c.transfers.Remove(t.Peer, t.Token)
	c.endTransfer(t, err)
	if err != nil {
		return nil, ack, false, c.respondError(req, err, nil)
	}
	return body, ack, true, nil
}

// callHandler serves a complete request.
func (c *Context) callHandler(req *message.Message, h RequestHandler, echo *echoBlock) error {
	resp, err := h(req)
	if err != nil {
		c.cfg.Errors(fmt.Errorf("cannot handle request %v: %w", req.Token, err))
		return c.respondError(req, err, echo)
	}
	if resp == nil {
		return c.acknowledge(req)
	}
	resp = resp.Clone()
	if resp.Options, err = echo.set(resp.Options); err != nil {
		return err
	}
	return c.sendResponse(req, resp)
}

// sendResponse sends resp to req, a body larger than the block size wanted by the peer is
// split and the remaining blocks are served from a transfer.
func (c *Context) sendResponse(req, resp *message.Message) error {
	if !c.cfg.Blockwise.Enable {
		return c.respond(req, resp)
	}
	b2, hasB2, err := blockwise.GetBlock(req.Options, message.Block2)
	if err != nil {
		return c.respondError(req, err, nil)
	}
	szx := c.blockSZX()
	if hasB2 {
		szx = blockwise.MinSZX(b2.SZX, szx)
	}
	if int64(len(resp.Payload)) <= szx.Size() && b2.Num == 0 {
		return c.respond(req, resp)
	}
	if !resp.Options.HasOption(message.ETag) {
		resp.Options = resp.Options.SetBytes(message.ETag, message.CalcETag(resp.Payload))
	}
	if resp.Options, err = setSize(resp.Options, message.Size2, len(resp.Payload)); err != nil {
		return err
	}
	t, err := c.startTransfer(req, blockwise.TransferKey(req.Code, req.Options))
	if err != nil {
		return c.respondError(req, err, nil)
	}
	t.Sender = blockwise.NewSenderFromBytes(message.Block2, resp.Payload, szx)
	t.response = &message.Message{Code: resp.Code, Options: resp.Options.Clone().Remove(message.Block1)}
	first := *resp
	first.Payload = nil
	return c.serveBlock2With(req, t, blockwise.Block{Num: b2.Num, SZX: szx}, &first)
}

// serveBlock2 answers a Block2 continuation request from the transfer.
func (c *Context) serveBlock2(req *message.Message, t *serverTransfer, b blockwise.Block) error {
	b.SZX = blockwise.MinSZX(b.SZX, c.blockSZX())
	return c.serveBlock2With(req, t, b, t.response.Clone())
}

func (c *Context) serveBlock2With(req *message.Message, t *serverTransfer, b blockwise.Block, resp *message.Message) error {
	payload, more, err := t.Sender.Block(b.Num, b.SZX)
	if err != nil {
		c.removeTransfer(t, err)
		return c.respondError(req, err, nil)
	}
	b.More = more
	resp.Options, err = blockwise.SetBlock(resp.Options, message.Block2, b)
	if err != nil {
		c.removeTransfer(t, err)
		return c.respondError(req, err, nil)
	}
	resp.Payload = payload
	if !more {
		c.removeTransfer(t, nil)
	}
	return c.respond(req, resp)
}
