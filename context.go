// Package coap drives CoAP exchanges over a single socket: it matches responses to requests,
// retransmits confirmable messages and transfers large bodies in blocks (RFC 7252, RFC 7959, RFC 8323).
//
// A Context is owned by one flow of control. It never starts goroutines, all work happens inside
// the calls of its owner.
package coap

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapNet "github.com/plgd-dev/go-coap-exchange/net"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/exchange"
	"github.com/plgd-dev/go-coap-exchange/options"
	"github.com/plgd-dev/go-coap-exchange/options/config"
	"github.com/plgd-dev/go-coap-exchange/pkg/cache"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/math"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
	tcpCoder "github.com/plgd-dev/go-coap-exchange/tcp/coder"
	udpCoder "github.com/plgd-dev/go-coap-exchange/udp/coder"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const (
	errFmtWriteRequest  = "cannot write request: %w"
	errFmtWriteResponse = "cannot write response: %w"
)

// cachedResponse is the encoded reply to a request of the peer. A nil data means
// the request is still processed or it is not answered.
type cachedResponse struct {
	token message.Token
	data  []byte
}

// Context is the state of the exchanges over one socket.
//
// Handlers are called by the context while it is driven, they must not call methods of the
// context themselves (ErrContextBusy is returned).
type Context struct {
	// This field needs to be the first in the struct to ensure proper word alignment on 32-bit platforms.
	// See: https://golang.org/pkg/sync/atomic/#pkg-note-BUG
	msgID  atomic.Uint32
	closed atomic.Bool

	cfg    config.Config
	socket coapNet.Socket
	peer   string
	log    logging.LeveledLogger
	owner  *semaphore.Weighted

	udp *udpCoder.Coder
	tcp *tcpCoder.Coder

	clients   *exchange.Table[*clientExchange]
	transfers *exchange.Table[*serverTransfer]
	responses *cache.Cache[int32, *cachedResponse]

	readBuf   []byte
	streamBuf []byte

	csmSent            bool
	peerMaxMessageSize uint32
}

// New creates a context over socket.
func New(socket coapNet.Socket, opts ...options.Option) *Context {
	cfg := config.New()
	for _, o := range opts {
		o.Apply(&cfg)
	}
	if cfg.Errors == nil {
		cfg.Errors = func(error) {
			// default no-op
		}
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	peer := ""
	if addr := socket.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	c := &Context{
		cfg:       cfg,
		socket:    socket,
		peer:      peer,
		log:       cfg.LoggerFactory.NewLogger("coap"),
		owner:     semaphore.NewWeighted(1),
		udp:       &udpCoder.Coder{AllowUnknownCriticalOptions: cfg.AllowUnknownCriticalOptions},
		tcp:       &tcpCoder.Coder{AllowUnknownCriticalOptions: cfg.AllowUnknownCriticalOptions},
		clients:   exchange.NewTable[*clientExchange](),
		transfers: exchange.NewTable[*serverTransfer](),
		responses: cache.NewCache[int32, *cachedResponse](),
		readBuf:   make([]byte, int(cfg.MaxMessageSize)+1),
	}
	// the first message gets GetMID
	c.msgID.Store(uint32(cfg.GetMID()) - 1)
	return c
}

// acquire takes the ownership of the context for one public call.
func (c *Context) acquire() error {
	if c.closed.Load() {
		return coapErrors.ErrContextClosed
	}
	if !c.owner.TryAcquire(1) {
		return coapErrors.ErrContextBusy
	}
	if c.closed.Load() {
		c.owner.Release(1)
		return coapErrors.ErrContextClosed
	}
	return nil
}

func (c *Context) release() {
	c.owner.Release(1)
}

func (c *Context) now() time.Time {
	return c.cfg.Clock()
}

func (c *Context) reliable() bool {
	return c.socket.Reliable()
}

// Peer returns the address of the remote endpoint.
func (c *Context) Peer() string {
	return c.peer
}

// Config returns the configuration of the context.
func (c *Context) Config() config.Config {
	return c.cfg
}

func (c *Context) nextMID() int32 {
	return int32(uint16(c.msgID.Inc()))
}

func (c *Context) blockSZX() blockwise.SZX {
	szx := c.cfg.Blockwise.SZX
	if c.peerMaxMessageSize > 0 {
		size := math.Clamp(int64(c.peerMaxMessageSize)-csmHeadroom, blockwise.SZX16.Size(), blockwise.SZX1024.Size())
		if limit, err := blockwise.SZXFromSize(size); err == nil {
			szx = blockwise.MinSZX(szx, limit)
		}
	}
	return szx
}

// setSize sets a Size1 or Size2 option to the length of a body.
func setSize(opts message.Options, id message.OptionID, size int) (message.Options, error) {
	v, err := math.SafeCastTo[uint32](size)
	if err != nil {
		return opts, fmt.Errorf("cannot set %v: %w", id, err)
	}
	return opts.SetUint32(id, v), nil
}

func typeLabel(m *message.Message) string {
	return m.Type.String()
}

func (c *Context) encode(m *message.Message) ([]byte, error) {
	if c.reliable() {
		return c.tcp.Marshal(*m)
	}
	return c.udp.Marshal(*m)
}

// write encodes and sends m. The encoded bytes are returned for retransmission and de-duplication.
func (c *Context) write(m *message.Message) ([]byte, error) {
	data, err := c.encode(m)
	if err != nil {
		return nil, err
	}
	if err := c.socket.Send(data); err != nil {
		return nil, err
	}
	c.cfg.Metrics.Message(metrics.DirectionOut, typeLabel(m))
	return data, nil
}

// receive waits at most maxWait for data. Retransmissions and expirations that become due
// meanwhile are processed.
func (c *Context) receive(buf []byte, maxWait time.Duration) (int, error) {
	start := c.now()
	for {
		now := c.now()
		remaining := maxWait - now.Sub(start)
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: no data within %v", coapErrors.ErrReceiveTimedOut, maxWait)
		}
		wait := remaining
		shortened := false
		if deadline, ok := c.nextDeadline(); ok {
			if d := deadline.Sub(now); d < wait {
				if d <= 0 {
					c.checkExpirations(now)
					continue
				}
				wait = d
				shortened = true
			}
		}
		n, err := c.socket.Receive(buf, wait)
		if err == nil {
			return n, nil
		}
		if shortened && errors.Is(err, coapErrors.ErrReceiveTimedOut) {
			c.checkExpirations(c.now())
			continue
		}
		return 0, err
	}
}

// frameBuffered reports whether a complete frame waits in the stream buffer.
func (c *Context) frameBuffered() bool {
	if len(c.streamBuf) == 0 {
		return false
	}
	n, err := c.tcp.FrameLength(c.streamBuf)
	if err != nil {
		// a broken header is reported by readMessage
		return !errors.Is(err, message.ErrShortRead)
	}
	return len(c.streamBuf) >= n
}

// readMessage returns the next message of the peer. A nil message without error means the
// received data were dropped. The decode error reports an unknown critical option of a
// message that is otherwise complete.
func (c *Context) readMessage(maxWait time.Duration) (m *message.Message, decodeErr error, err error) {
	if c.reliable() {
		return c.readFrame(maxWait)
	}
	n, err := c.receive(c.readBuf, maxWait)
	if err != nil {
		return nil, nil, err
	}
	if n > int(c.cfg.MaxMessageSize) {
		c.dropMalformed(fmt.Errorf("%w: datagram exceeds %v bytes", coapErrors.ErrMalformedMessage, c.cfg.MaxMessageSize))
		return nil, nil, nil
	}
	var decoded message.Message
	_, err = c.udp.Decode(c.readBuf[:n], &decoded)
	if err != nil && !isUnknownCriticalOption(err) {
		c.dropMalformed(err)
		return nil, nil, nil
	}
	c.cfg.Metrics.Message(metrics.DirectionIn, typeLabel(&decoded))
	return decoded.Clone(), err, nil
}

func (c *Context) readFrame(maxWait time.Duration) (*message.Message, error, error) {
	deadline := c.now().Add(maxWait)
	for {
		n, err := c.tcp.FrameLength(c.streamBuf)
		switch {
		case err == nil && n > int(c.cfg.MaxMessageSize):
			return nil, nil, c.abortStream(fmt.Errorf("%w: frame of %v bytes exceeds %v", coapErrors.ErrMalformedMessage, n, c.cfg.MaxMessageSize))
		case err == nil && len(c.streamBuf) >= n:
			return c.decodeFrame(n)
		case err != nil && !errors.Is(err, message.ErrShortRead):
			return nil, nil, c.abortStream(err)
		}
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil, nil, fmt.Errorf("%w: no complete frame within %v", coapErrors.ErrReceiveTimedOut, maxWait)
		}
		read, err := c.receive(c.readBuf, remaining)
		if err != nil {
			return nil, nil, err
		}
		c.streamBuf = append(c.streamBuf, c.readBuf[:read]...)
	}
}

func (c *Context) decodeFrame(n int) (*message.Message, error, error) {
	frame := c.streamBuf[:n]
	var m message.Message
	_, err := c.tcp.Decode(frame, &m)
	var decoded *message.Message
	if err == nil || isUnknownCriticalOption(err) {
		decoded = m.Clone()
		decoded.Type = message.Unset
		decoded.MessageID = -1
	}
	c.streamBuf = append(c.streamBuf[:0], c.streamBuf[n:]...)
	if decoded == nil {
		c.dropMalformed(err)
		return nil, nil, nil
	}
	c.cfg.Metrics.Message(metrics.DirectionIn, typeLabel(decoded))
	return decoded, err, nil
}

func isUnknownCriticalOption(err error) bool {
	return errors.Is(err, coapErrors.ErrUnknownCriticalOption)
}

func (c *Context) dropMalformed(err error) {
	c.cfg.Metrics.Malformed()
	c.log.Debugf("dropping message from %v: %v", c.peer, err)
}

// abortStream gives up a stream whose framing cannot be recovered.
func (c *Context) abortStream(cause error) error {
	c.streamBuf = c.streamBuf[:0]
	abort := signal(codes.Abort, nil)
	abort.Payload = []byte(cause.Error())
	if _, err := c.write(abort); err != nil {
		c.log.Debugf("cannot send abort to %v: %v", c.peer, err)
	}
	return fmt.Errorf("%w: %w", coapErrors.ErrConnectionClosed, cause)
}

// onReceiveError aborts the exchanges the failure of the socket is fatal to.
func (c *Context) onReceiveError(err error) error {
	switch {
	case errors.Is(err, coapErrors.ErrReceiveTimedOut):
		c.abortClients(err, func(ce *clientExchange) bool {
			return ce.Receiver != nil || ce.Sender != nil
		})
	case c.reliable() && (errors.Is(err, coapErrors.ErrConnectionClosed) || errors.Is(err, coapErrors.ErrConnectionReset)):
		c.abortAll(coapErrors.ErrConnectionClosed)
	case errors.Is(err, coapErrors.ErrConnectionRefused) || errors.Is(err, coapErrors.ErrConnectionReset):
		c.abortClients(err, func(*clientExchange) bool { return true })
	}
	return err
}

func (c *Context) abortClients(err error, match func(ce *clientExchange) bool) {
	var aborted []*clientExchange
	c.clients.Range(func(_ exchange.Key, ce *clientExchange) bool {
		if match(ce) {
			aborted = append(aborted, ce)
		}
		return true
	})
	for _, ce := range aborted {
		c.fail(ce, err)
	}
}

// abortAll aborts every exchange of the context.
func (c *Context) abortAll(err error) {
	c.abortClients(err, func(*clientExchange) bool { return true })
	for _, t := range c.transfers.PullOutAll() {
		c.endTransfer(t, err)
	}
}

// HandleIncomingPacket waits for data from the peer and processes it.
//
// One datagram is processed per call. For stream sockets every complete message that is buffered
// is processed. Responses, acknowledgements and continuations of block-wise transfers are handled
// internally, only new requests reach h. A nil h drops new requests without a response.
func (c *Context) HandleIncomingPacket(h RequestHandler) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	var d dispatcher
	if h != nil {
		d = h
	}
	return c.handleIncomingPacket(d, c.cfg.ReceiveTimeout)
}

func (c *Context) handleIncomingPacket(d dispatcher, maxWait time.Duration) error {
	if err := c.sendCSM(); err != nil {
		return c.onReceiveError(err)
	}
	m, decodeErr, err := c.readMessage(maxWait)
	if err != nil {
		return c.onReceiveError(err)
	}
	if err := c.dispatch(m, decodeErr, d); err != nil {
		return err
	}
	for c.reliable() && c.frameBuffered() {
		m, decodeErr, err := c.readMessage(maxWait)
		if err != nil {
			return c.onReceiveError(err)
		}
		if err := c.dispatch(m, decodeErr, d); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes a message of the peer.
func (c *Context) dispatch(m *message.Message, decodeErr error, d dispatcher) error {
	if m == nil {
		return nil
	}
	if c.reliable() {
		switch {
		case m.Code.IsSignal():
			return c.handleSignal(m)
		case m.Code.IsResponse():
			return c.handleResponseMessage(m, decodeErr)
		case m.Code.IsRequest():
			return c.handleRequest(m, decodeErr, d)
		}
		c.dropMalformed(fmt.Errorf("%w: unexpected code %v", coapErrors.ErrMalformedMessage, m.Code))
		return nil
	}
	switch m.Type {
	case message.Acknowledgement:
		return c.handleAcknowledgement(m, decodeErr)
	case message.Reset:
		c.handleReset(m)
		return nil
	}
	switch {
	case m.IsEmpty():
		if m.Type == message.Confirmable {
			// CoAP ping
			return c.reject(m)
		}
		return nil
	case m.Code.IsResponse():
		return c.handleResponseMessage(m, decodeErr)
	case m.Code.IsRequest():
		return c.handleRequest(m, decodeErr, d)
	}
	c.dropMalformed(fmt.Errorf("%w: unexpected code %v", coapErrors.ErrMalformedMessage, m.Code))
	if m.Type == message.Confirmable {
		return c.reject(m)
	}
	return nil
}

// reject answers a confirmable message with Reset.
func (c *Context) reject(m *message.Message) error {
	rst := &message.Message{Code: codes.Empty, Type: message.Reset, MessageID: m.MessageID}
	if _, err := c.write(rst); err != nil {
		return fmt.Errorf(errFmtWriteResponse, err)
	}
	return nil
}

// isDuplicate detects a retransmitted message of the peer by its message id and sends the
// cached reply again. A message seen for the first time is marked as being processed.
func (c *Context) isDuplicate(m *message.Message) (bool, error) {
	if c.reliable() || (m.Type != message.Confirmable && m.Type != message.NonConfirmable) {
		return false, nil
	}
	now := c.now()
	el := cache.NewElement(&cachedResponse{token: m.Token}, now.Add(c.cfg.Transmission.ExchangeLifetime()), nil)
	actual, loaded := c.responses.LoadOrStore(m.MessageID, el, now)
	if !loaded {
		return false, nil
	}
	cached := actual.Data()
	if string(cached.token) != string(m.Token) {
		// message id reused by the peer for another exchange
		c.responses.Store(m.MessageID, el)
		return false, nil
	}
	c.cfg.Metrics.Duplicate()
	if cached.data == nil {
		c.log.Debugf("ignoring duplicate %v from %v, reply is not ready", m.MessageID, c.peer)
		return true, nil
	}
	c.log.Debugf("resending reply to duplicate %v from %v", m.MessageID, c.peer)
	if err := c.socket.Send(cached.data); err != nil {
		return true, fmt.Errorf(errFmtWriteResponse, err)
	}
	return true, nil
}

// remember caches the encoded reply to m for de-duplication.
func (c *Context) remember(m *message.Message, data []byte) {
	if c.reliable() || (m.Type != message.Confirmable && m.Type != message.NonConfirmable) {
		return
	}
	c.responses.Store(m.MessageID, cache.NewElement(&cachedResponse{token: m.Token, data: data},
		c.now().Add(c.cfg.Transmission.ExchangeLifetime()), nil))
}

// acknowledge sends an empty ACK to a confirmable message of the peer.
func (c *Context) acknowledge(m *message.Message) error {
	if c.reliable() || m.Type != message.Confirmable {
		return nil
	}
	ack := &message.Message{Code: codes.Empty, Type: message.Acknowledgement, MessageID: m.MessageID}
	data, err := c.write(ack)
	if err != nil {
		return fmt.Errorf(errFmtWriteResponse, err)
	}
	c.remember(m, data)
	return nil
}

// CheckExpirations retransmits confirmable messages that were not acknowledged in time and
// removes expired exchanges and caches.
func (c *Context) CheckExpirations(now time.Time) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	c.checkExpirations(now)
	return nil
}

func (c *Context) checkExpirations(now time.Time) {
	c.responses.CheckExpirations(now)

	type failure struct {
		ce  *clientExchange
		err error
	}
	var failed []failure
	c.clients.Range(func(_ exchange.Key, ce *clientExchange) bool {
		if r := ce.Retransmission; r != nil {
			decision := r.OnTimeout(now)
			switch {
			case decision.Exhausted:
				failed = append(failed, failure{ce: ce, err: coapErrors.ErrExchangeTimedOut})
				return true
			case decision.Retransmit:
				if err := c.retransmit(ce); err != nil {
					failed = append(failed, failure{ce: ce, err: err})
					return true
				}
			}
		}
		if !ce.Deadline.IsZero() && !now.Before(ce.Deadline) {
			failed = append(failed, failure{ce: ce, err: coapErrors.ErrExchangeTimedOut})
		}
		return true
	})
	for _, f := range failed {
		c.fail(f.ce, f.err)
	}

	var expired []*serverTransfer
	c.transfers.Range(func(_ exchange.Key, t *serverTransfer) bool {
		if !t.Deadline.IsZero() && !now.Before(t.Deadline) {
			expired = append(expired, t)
		}
		return true
	})
	for _, t := range expired {
		c.transfers.Remove(t.Peer, t.Token)
		c.log.Debugf("block-wise transfer %v with %v expired", t.Token, c.peer)
		c.endTransfer(t, coapErrors.ErrExchangeTimedOut)
	}
}

func (c *Context) retransmit(ce *clientExchange) error {
	c.log.Debugf("retransmitting %v to %v, attempt %v", ce.MessageID, c.peer, ce.Retransmission.Attempts)
	if err := c.socket.Send(ce.LastSent); err != nil {
		return fmt.Errorf(errFmtWriteRequest, err)
	}
	c.cfg.Metrics.Retransmitted()
	return nil
}

// NextDeadline returns the earliest time CheckExpirations has work to do.
func (c *Context) NextDeadline() (time.Time, bool) {
	if err := c.acquire(); err != nil {
		return time.Time{}, false
	}
	defer c.release()
	return c.nextDeadline()
}

func (c *Context) nextDeadline() (time.Time, bool) {
	var next time.Time
	update := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	c.clients.Range(func(_ exchange.Key, ce *clientExchange) bool {
		if ce.Retransmission != nil && ce.Retransmission.Active() {
			update(ce.Retransmission.NextDeadline())
		}
		update(ce.Deadline)
		return true
	})
	c.transfers.Range(func(_ exchange.Key, t *serverTransfer) bool {
		update(t.Deadline)
		return true
	})
	return next, !next.IsZero()
}

// Close aborts every exchange with ErrContextClosed and closes the socket.
func (c *Context) Close() error {
	if !c.owner.TryAcquire(1) {
		return coapErrors.ErrContextBusy
	}
	defer c.release()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs *multierror.Error
	c.abortAll(coapErrors.ErrContextClosed)
	c.responses.PullOutAll()
	if c.reliable() && c.csmSent {
		if _, err := c.write(signal(codes.Release, nil)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot send release: %w", err))
		}
	}
	if err := c.socket.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cannot close socket: %w", err))
	}
	return errs.ErrorOrNil()
}
