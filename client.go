package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/exchange"
	"github.com/plgd-dev/go-coap-exchange/net/transmission"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
)

// ResponseHandler is called exactly once per request: with the complete response, or with
// an *errors.ExchangeError describing why the exchange failed.
type ResponseHandler func(resp *message.Message, err error)

type clientExchange struct {
	*exchange.Exchange
	// request is the header of the request, continuation requests are derived from it
	request         *message.Message
	msgType         message.Type
	block2SZX       blockwise.SZX
	block2Requested bool
	handler         ResponseHandler
	done            bool
}

// SendRequest starts a request. The response is delivered to h while the context is driven
// by HandleIncomingPacket, StreamingHandleIncomingPacket or Do.
//
// An empty token of req is replaced by a generated one. A body larger than the block size is
// sent in Block1 blocks, one block after another. A GET asks for the preferred Block2 size unless
// early negotiation is disabled. The type of req selects confirmable (default) or non-confirmable
// transmission on datagram sockets.
func (c *Context) SendRequest(req *message.Message, h ResponseHandler) (message.Token, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	return c.sendRequest(req, h)
}

func (c *Context) sendRequest(req *message.Message, h ResponseHandler) (message.Token, error) {
	if !req.Code.IsRequest() {
		return nil, fmt.Errorf("%w: %v is not a request method", coapErrors.ErrMalformedMessage, req.Code)
	}
	if h == nil {
		h = func(*message.Message, error) {
			// response is not needed
		}
	}
	if err := c.sendCSM(); err != nil {
		return nil, err
	}
	token := req.Token
	if len(token) == 0 {
		t, err := c.cfg.GetToken()
		if err != nil {
			return nil, fmt.Errorf("cannot get token: %w", err)
		}
		token = t
	}
	r := req.Clone()
	r.Token = append(message.Token(nil), token...)
	ce := &clientExchange{
		Exchange:  exchange.New(c.peer, r.Token, exchange.Client, c.now()),
		msgType:   message.Confirmable,
		block2SZX: c.blockSZX(),
		handler:   h,
	}
	if req.Type == message.NonConfirmable {
		ce.msgType = message.NonConfirmable
	}
	if err := c.clients.Register(c.peer, r.Token, ce); err != nil {
		return nil, coapErrors.NewExchangeError(r.Token, -1, err)
	}
	first, err := c.prepareRequest(ce, r)
	if err == nil {
		err = c.transmit(ce, first)
	}
	if err != nil {
		c.clients.Remove(c.peer, r.Token)
		blockNumber := ce.BlockNumber()
		ce.Release(err)
		return nil, coapErrors.NewExchangeError(r.Token, blockNumber, err)
	}
	return r.Token, nil
}

// prepareRequest returns the first message of the exchange.
func (c *Context) prepareRequest(ce *clientExchange, r *message.Message) (*message.Message, error) {
	ce.request = &message.Message{Code: r.Code, Token: r.Token, Options: r.Options.Clone()}
	if !c.cfg.Blockwise.Enable {
		return r, nil
	}
	b2, ok, err := blockwise.GetBlock(r.Options, message.Block2)
	switch {
	case err != nil:
		return nil, err
	case ok:
		ce.block2SZX = b2.SZX
		ce.block2Requested = true
	case c.cfg.Blockwise.EarlyBlock2Negotiation && r.Code == codes.GET:
		r.Options, err = blockwise.SetBlock(r.Options, message.Block2, blockwise.Block{SZX: ce.block2SZX})
		if err != nil {
			return nil, err
		}
		ce.block2Requested = true
	}
	szx := c.blockSZX()
	if int64(len(r.Payload)) <= szx.Size() {
		return r, nil
	}
	ce.Sender = blockwise.NewSenderFromBytes(message.Block1, r.Payload, szx)
	b, payload, err := ce.Sender.Next()
	if err != nil {
		return nil, err
	}
	r.Options, err = blockwise.SetBlock(r.Options, message.Block1, b)
	if err != nil {
		return nil, err
	}
	r.Options, err = setSize(r.Options, message.Size1, len(r.Payload))
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	return r, nil
}

// continuation returns the header of the next request of the exchange.
func (ce *clientExchange) continuation() *message.Message {
	opts := ce.request.Options.Clone().Remove(message.Block1).Remove(message.Size1).Remove(message.Block2)
	return &message.Message{Code: ce.request.Code, Token: ce.Token, Options: opts}
}

// transmit sends a message of the exchange with a new message id.
func (c *Context) transmit(ce *clientExchange, m *message.Message) error {
	now := c.now()
	if c.reliable() {
		m.Type = message.Unset
		m.MessageID = -1
	} else {
		m.Type = ce.msgType
		m.MessageID = c.nextMID()
	}
	data, err := c.write(m)
	if err != nil {
		return fmt.Errorf(errFmtWriteRequest, err)
	}
	ce.Deadline = now.Add(c.cfg.Transmission.MaxTransmitWait())
	if c.reliable() || ce.msgType != message.Confirmable {
		return nil
	}
	ce.MessageID = m.MessageID
	ce.LastSent = data
	ce.Retransmission = transmission.NewRecord(c.cfg.Transmission, c.cfg.Rand, now)
	ce.Deadline = now.Add(c.cfg.Transmission.ExchangeLifetime())
	return c.clients.BindMessageID(c.peer, ce.Token, m.MessageID)
}

func (c *Context) stopRetransmission(ce *clientExchange) {
	if ce.Retransmission != nil {
		ce.Retransmission.OnAck()
		ce.Retransmission = nil
	}
	ce.LastSent = nil
	c.clients.UnbindMessageID(c.peer, ce.Token)
}

func (c *Context) handleAcknowledgement(m *message.Message, decodeErr error) error {
	ce, _, ok := c.clients.LookupByMessageID(c.peer, m.MessageID)
	if !ok {
		c.log.Debugf("dropping acknowledgement %v from %v: no exchange", m.MessageID, c.peer)
		return nil
	}
	c.stopRetransmission(ce)
	if m.IsEmpty() {
		// separate response follows
		ce.Deadline = c.now().Add(c.cfg.Transmission.ExchangeLifetime())
		return nil
	}
	if !bytes.Equal(m.Token, ce.Token) {
		c.log.Warnf("piggybacked response %v from %v carries token %v instead of %v", m.MessageID, c.peer, m.Token, ce.Token)
		return nil
	}
	if decodeErr != nil {
		c.fail(ce, decodeErr)
		return nil
	}
	return c.handleResponse(ce, m)
}

func (c *Context) handleReset(m *message.Message) {
	ce, _, ok := c.clients.LookupByMessageID(c.peer, m.MessageID)
	if !ok {
		c.log.Debugf("dropping reset %v from %v: no exchange", m.MessageID, c.peer)
		return
	}
	c.fail(ce, coapErrors.ErrResetReceived)
}

// handleResponseMessage processes a response that is not piggybacked on an acknowledgement.
func (c *Context) handleResponseMessage(m *message.Message, decodeErr error) error {
	if dup, err := c.isDuplicate(m); dup || err != nil {
		return err
	}
	ce, ok := c.clients.LookupByToken(c.peer, m.Token)
	if !ok {
		if m.Type == message.Confirmable {
			c.responses.Delete(m.MessageID)
			return c.reject(m)
		}
		c.log.Debugf("dropping response %v from %v: no exchange", m.Token, c.peer)
		return nil
	}
	if decodeErr != nil {
		c.fail(ce, decodeErr)
		if m.Type == message.Confirmable {
			c.responses.Delete(m.MessageID)
			return c.reject(m)
		}
		return nil
	}
	if err := c.acknowledge(m); err != nil {
		c.fail(ce, err)
		return err
	}
	c.stopRetransmission(ce)
	return c.handleResponse(ce, m)
}

func (c *Context) handleResponse(ce *clientExchange, resp *message.Message) error {
	if ce.Sender != nil && ce.Sender.State() != blockwise.Complete {
		handled, err := c.continueUpload(ce, resp)
		if handled || err != nil {
			return err
		}
	}
	if !c.cfg.Blockwise.Enable {
		c.complete(ce, resp)
		return nil
	}
	b2, ok, err := blockwise.GetBlock(resp.Options, message.Block2)
	switch {
	case err != nil:
		c.fail(ce, err)
		return nil
	case !ok && ce.Receiver != nil:
		c.fail(ce, fmt.Errorf("%w: response without Block2 option", coapErrors.ErrOutOfOrderBlock))
		return nil
	case !ok:
		c.complete(ce, resp)
		return nil
	}
	return c.continueDownload(ce, resp, b2)
}

// continueUpload processes the answer to a Block1 request. It returns false when resp is the
// final response of the exchange.
func (c *Context) continueUpload(ce *clientExchange, resp *message.Message) (bool, error) {
	b1, ok, err := blockwise.GetBlock(resp.Options, message.Block1)
	if err != nil {
		c.fail(ce, err)
		return true, nil
	}
	if resp.Code != codes.Continue {
		if ok && resp.Code.IsSuccess() {
			if _, err := ce.Sender.Acknowledge(b1); err != nil {
				c.fail(ce, err)
				return true, nil
			}
		}
		// the server answered before the whole body was sent
		return false, nil
	}
	if !ok {
		c.fail(ce, fmt.Errorf("%w: %v without Block1 option", coapErrors.ErrMalformedMessage, resp.Code))
		return true, nil
	}
	done, err := ce.Sender.Acknowledge(b1)
	if err != nil {
		c.fail(ce, err)
		return true, nil
	}
	if done {
		c.fail(ce, fmt.Errorf("%w: %v for the last block", coapErrors.ErrOutOfOrderBlock, resp.Code))
		return true, nil
	}
	b, payload, err := ce.Sender.Next()
	if err != nil {
		c.fail(ce, err)
		return true, nil
	}
	m := ce.continuation()
	m.Options, err = blockwise.SetBlock(m.Options, message.Block1, b)
	if err != nil {
		c.fail(ce, err)
		return true, nil
	}
	m.Payload = payload
	if err := c.transmit(ce, m); err != nil {
		c.fail(ce, err)
		return true, err
	}
	return true, nil
}

func (c *Context) continueDownload(ce *clientExchange, resp *message.Message, b blockwise.Block) error {
	if ce.Receiver == nil {
		ce.Receiver = blockwise.NewReceiver(message.Block2, ce.block2SZX, int64(c.cfg.MaxPayloadSize))
		if ce.block2Requested {
			ce.Receiver.Requested()
		}
		if size, err := resp.Options.GetUint32(message.Size2); err == nil {
			if err := ce.Receiver.CheckSize(size); err != nil {
				c.fail(ce, err)
				return nil
			}
		}
	}
	etag, _ := resp.Options.ETag()
	progress, err := ce.Receiver.Accept(b, etag, resp.Payload)
	if err != nil {
		c.fail(ce, err)
		return nil
	}
	switch progress {
	case blockwise.Done:
		body, err := ce.Receiver.Take()
		if err != nil {
			c.fail(ce, err)
			return nil
		}
		out := resp.Clone()
		out.Options = out.Options.Remove(message.Block2)
		out.Payload = body
		c.complete(ce, out)
		return nil
	case blockwise.Renegotiate:
		c.log.Debugf("asking %v for blocks of %v", c.peer, ce.Receiver.SZX())
		return c.requestBlock2(ce, blockwise.Block{SZX: ce.Receiver.SZX()})
	}
	return c.requestBlock2(ce, ce.Receiver.NextBlock())
}

func (c *Context) requestBlock2(ce *clientExchange, b blockwise.Block) error {
	m := ce.continuation()
	var err error
	m.Options, err = blockwise.SetBlock(m.Options, message.Block2, b)
	if err != nil {
		c.fail(ce, err)
		return nil
	}
	ce.Receiver.Await()
	if err := c.transmit(ce, m); err != nil {
		c.fail(ce, err)
		return err
	}
	return nil
}

func (c *Context) complete(ce *clientExchange, resp *message.Message) {
	c.finish(ce, resp, nil)
}

func (c *Context) fail(ce *clientExchange, err error) {
	c.finish(ce, nil, err)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultCompleted
	case errors.Is(err, coapErrors.ErrExchangeTimedOut), errors.Is(err, coapErrors.ErrReceiveTimedOut):
		return metrics.ResultTimedOut
	case errors.Is(err, coapErrors.ErrExchangeCanceled), errors.Is(err, coapErrors.ErrContextClosed):
		return metrics.ResultCanceled
	}
	return metrics.ResultFailed
}

// finish removes the exchange and calls its handler. It is a no-op for a finished exchange.
func (c *Context) finish(ce *clientExchange, resp *message.Message, err error) {
	if ce.done {
		return
	}
	ce.done = true
	c.clients.Remove(c.peer, ce.Token)
	if err != nil {
		err = coapErrors.NewExchangeError(ce.Token, ce.BlockNumber(), err)
		ce.Release(err)
		c.log.Debugf("exchange with %v failed: %v", c.peer, err)
	} else {
		c.stopRetransmission(ce)
	}
	result := resultOf(err)
	c.cfg.Metrics.ExchangeFinished(exchange.Client.String(), result)
	if ce.Sender != nil {
		c.cfg.Metrics.BlockTransferFinished(metrics.DirectionOut, result)
	}
	if ce.Receiver != nil {
		c.cfg.Metrics.BlockTransferFinished(metrics.DirectionIn, result)
	}
	ce.handler(resp, err)
}

// Cancel fails the exchange of token with errors.ErrExchangeCanceled.
func (c *Context) Cancel(token message.Token) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	ce, ok := c.clients.LookupByToken(c.peer, token)
	if !ok {
		return fmt.Errorf("%w: %v", exchange.ErrNotFound, token)
	}
	c.fail(ce, coapErrors.ErrExchangeCanceled)
	return nil
}

func (c *Context) failToken(token message.Token, err error) {
	if ce, ok := c.clients.LookupByToken(c.peer, token); ok {
		c.fail(ce, err)
	}
}

// Do sends req and drives the context until its response is complete. New requests of the
// peer received meanwhile are dropped. The wait is bounded by the receive timeout and by
// the deadline of ctx.
func (c *Context) Do(ctx context.Context, req *message.Message) (*message.Message, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	var resp *message.Message
	var respErr error
	done := false
	token, err := c.sendRequest(req, func(r *message.Message, err error) {
		resp, respErr, done = r, err, true
	})
	if err != nil {
		return nil, err
	}
	for !done {
		wait := c.cfg.ReceiveTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if d := deadline.Sub(c.now()); d < wait {
				wait = d
			}
		}
		if err := ctx.Err(); err != nil || wait <= 0 {
			if err == nil {
				err = context.DeadlineExceeded
			}
			c.failToken(token, err)
			if !done {
				resp, respErr = nil, coapErrors.NewExchangeError(token, -1, err)
			}
			break
		}
		if err := c.handleIncomingPacket(nil, wait); err != nil && !done {
			c.failToken(token, err)
			if !done {
				return nil, coapErrors.NewExchangeError(token, -1, err)
			}
		}
	}
	return resp, respErr
}
