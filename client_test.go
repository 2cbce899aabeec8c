package coap

import (
	"context"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/exchange"
	"github.com/plgd-dev/go-coap-exchange/options"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/stretchr/testify/require"
)

// newScriptedClient returns a client whose peer is played by the test.
func newScriptedClient(t *testing.T, reliable bool, opts ...options.Option) (*Context, *mockSocket) {
	clock := newTestClock()
	sock, _ := newMockPair(clock, reliable)
	sock.peer = nil
	c := New(sock, append(testOptions(clock, 0xa0, 0x1000), opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, sock
}

func TestBlock1Upload(t *testing.T) {
	p := newTestPair(t, false)
	body := payloadOf(2049)
	var received []byte
	calls := 0
	h := func(req *message.Message) (*message.Message, error) {
		calls++
		received = append([]byte(nil), req.Payload...)
		return &message.Message{Code: codes.Changed}, nil
	}
	var rec responseRecorder
	_, err := p.client.SendRequest(&message.Message{Code: codes.PUT, Options: pathOptions(t, "/a"), Payload: body}, rec.handle)
	require.NoError(t, err)
	p.pump(t, h)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Equal(t, codes.Changed, rec.resp.Code)
	require.Equal(t, 1, calls)
	require.Equal(t, body, received)

	sent := decodeSent(t, p.clientSocket)
	require.Len(t, sent, 3)
	sizes := []int{1024, 1024, 1}
	for i, m := range sent {
		b := block(t, m.Options, message.Block1)
		require.Equal(t, int64(i), b.Num)
		require.Equal(t, blockwise.SZX1024, b.SZX)
		require.Equal(t, i < 2, b.More)
		require.Len(t, m.Payload, sizes[i])
		require.Equal(t, message.Confirmable, m.Type)
		require.Equal(t, int32(0x1000+i), m.MessageID)
	}
	size1, err := sent[0].Options.GetUint32(message.Size1)
	require.NoError(t, err)
	require.Equal(t, uint32(2049), size1)
	require.Equal(t, 0, p.client.clients.Len())
	require.Equal(t, 0, p.server.transfers.Len())
}

func TestBlock2Download(t *testing.T) {
	p := newTestPair(t, false)
	body := payloadOf(2048)
	h := func(req *message.Message) (*message.Message, error) {
		return &message.Message{Code: codes.Content, Payload: body}, nil
	}
	var rec responseRecorder
	_, err := p.client.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	p.pump(t, h)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Equal(t, codes.Content, rec.resp.Code)
	require.Equal(t, body, rec.resp.Payload)
	require.False(t, rec.resp.Options.HasOption(message.Block2))

	sent := decodeSent(t, p.clientSocket)
	require.Len(t, sent, 2)
	for i, m := range sent {
		b := block(t, m.Options, message.Block2)
		require.Equal(t, int64(i), b.Num)
		require.Equal(t, blockwise.SZX1024, b.SZX)
	}
	responses := decodeSent(t, p.serverSocket)
	require.Len(t, responses, 2)
	etag0, err := responses[0].Options.ETag()
	require.NoError(t, err)
	etag1, err := responses[1].Options.ETag()
	require.NoError(t, err)
	require.Equal(t, etag0, etag1)
	size2, err := responses[0].Options.GetUint32(message.Size2)
	require.NoError(t, err)
	require.Equal(t, uint32(2048), size2)
	require.Equal(t, 0, p.server.transfers.Len())
}

func TestBlock2DownloadTCP(t *testing.T) {
	p := newTestPair(t, true)
	body := payloadOf(3000)
	h := func(req *message.Message) (*message.Message, error) {
		return &message.Message{Code: codes.Content, Payload: body}, nil
	}
	var rec responseRecorder
	_, err := p.client.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	p.pump(t, h)

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Equal(t, body, rec.resp.Payload)
	sent := decodeSent(t, p.clientSocket)
	require.Equal(t, codes.CSM, sent[0].Code)
	require.Len(t, sent, 4)
}

func TestBlock2ResourceChanged(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	var rec responseRecorder
	token, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	require.Equal(t, message.Token{0xa0}, token)

	first := message.Message{
		Token:     token,
		Code:      codes.Content,
		Type:      message.Acknowledgement,
		MessageID: 0x1000,
		Options:   withBlock(t, message.Options{}.SetBytes(message.ETag, []byte{1}), message.Block2, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}),
		Payload:   payloadOf(16),
	}
	sock.push(encodeUDP(t, first))
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.Equal(t, 0, rec.calls)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 2)
	next := block(t, sent[1].Options, message.Block2)
	require.Equal(t, int64(1), next.Num)

	second := first
	second.MessageID = 0x1001
	second.Options = withBlock(t, message.Options{}.SetBytes(message.ETag, []byte{2}), message.Block2, blockwise.Block{Num: 1, SZX: blockwise.SZX16})
	sock.push(encodeUDP(t, second))
	require.NoError(t, c.HandleIncomingPacket(nil))

	require.Equal(t, 1, rec.calls)
	require.Nil(t, rec.resp)
	require.ErrorIs(t, rec.err, coapErrors.ErrResourceChanged)
	var exchangeErr *coapErrors.ExchangeError
	require.ErrorAs(t, rec.err, &exchangeErr)
	require.Equal(t, int64(0), exchangeErr.BlockNumber)
	require.Equal(t, 0, c.clients.Len())
}

func TestBlock2Renegotiate(t *testing.T) {
	c, sock := newScriptedClient(t, false,
		options.WithBlockwise(true, blockwise.SZX256, 3*time.Second),
		options.WithEarlyBlock2Negotiation(false))
	var rec responseRecorder
	token, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	sent := decodeSent(t, sock)
	require.False(t, sent[0].Options.HasOption(message.Block2))

	sock.push(encodeUDP(t, message.Message{
		Token:     token,
		Code:      codes.Content,
		Type:      message.Acknowledgement,
		MessageID: 0x1000,
		Options:   withBlock(t, nil, message.Block2, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX1024}),
		Payload:   payloadOf(1024),
	}))
	require.NoError(t, c.HandleIncomingPacket(nil))
	sent = decodeSent(t, sock)
	require.Len(t, sent, 2)
	b := block(t, sent[1].Options, message.Block2)
	require.Equal(t, blockwise.Block{Num: 0, SZX: blockwise.SZX256}, b)
	require.Equal(t, 0, rec.calls)
}

func TestUploadReceiveTimeout(t *testing.T) {
	c, sock := newScriptedClient(t, false, options.WithReceiveTimeout(5*time.Second))
	var rec responseRecorder
	token, err := c.SendRequest(&message.Message{Code: codes.PUT, Options: pathOptions(t, "/a"), Payload: payloadOf(2049)}, rec.handle)
	require.NoError(t, err)

	err = c.HandleIncomingPacket(nil)
	require.ErrorIs(t, err, coapErrors.ErrReceiveTimedOut)
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrReceiveTimedOut)
	_, ok := c.clients.LookupByToken(c.Peer(), token)
	require.False(t, ok)
	// first transmission and one retransmission at 2s
	require.Len(t, sock.sent, 2)
	require.Equal(t, sock.sent[0], sock.sent[1])
}

func TestRetransmissionExhausted(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	start := c.now()
	var rec responseRecorder
	token, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)

	err = c.HandleIncomingPacket(nil)
	require.ErrorIs(t, err, coapErrors.ErrReceiveTimedOut)
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrExchangeTimedOut)
	_, ok := c.clients.LookupByToken(c.Peer(), token)
	require.False(t, ok)
	require.Len(t, sock.sent, 5)
	require.Equal(t, start.Add(c.cfg.Transmission.MaxTransmitWait()), c.now())
}

func TestSeparateResponse(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	var rec responseRecorder
	token, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)

	sock.push(encodeUDP(t, message.Message{Code: codes.Empty, Type: message.Acknowledgement, MessageID: 0x1000}))
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.Equal(t, 0, rec.calls)
	ce, ok := c.clients.LookupByToken(c.Peer(), token)
	require.True(t, ok)
	require.Nil(t, ce.Retransmission)

	resp := encodeUDP(t, message.Message{Token: token, Code: codes.Content, Type: message.Confirmable, MessageID: 77, Payload: []byte("hello")})
	sock.push(resp, resp)
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.NoError(t, c.HandleIncomingPacket(nil))

	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	require.Equal(t, []byte("hello"), rec.resp.Payload)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 3)
	for _, ack := range sent[1:] {
		require.Equal(t, message.Acknowledgement, ack.Type)
		require.Equal(t, int32(77), ack.MessageID)
		require.Equal(t, codes.Empty, ack.Code)
	}
}

func TestResetFailsExchange(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	var rec responseRecorder
	_, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	sock.push(encodeUDP(t, message.Message{Code: codes.Empty, Type: message.Reset, MessageID: 0x1000}))
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrResetReceived)
	require.Equal(t, 0, c.clients.Len())
}

func TestUnmatchedConfirmableResponseIsRejected(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	sock.push(encodeUDP(t, message.Message{Token: message.Token{9}, Code: codes.Content, Type: message.Confirmable, MessageID: 5}))
	require.NoError(t, c.HandleIncomingPacket(nil))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, message.Reset, sent[0].Type)
	require.Equal(t, int32(5), sent[0].MessageID)
}

func TestNonConfirmableRequest(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	var rec responseRecorder
	token, err := c.SendRequest(&message.Message{Code: codes.GET, Type: message.NonConfirmable, Options: pathOptions(t, "/a")}, rec.handle)
	require.NoError(t, err)
	sent := decodeSent(t, sock)
	require.Equal(t, message.NonConfirmable, sent[0].Type)

	sock.push(encodeUDP(t, message.Message{Token: token, Code: codes.Content, Type: message.NonConfirmable, MessageID: 8}))
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.Equal(t, 1, rec.calls)
	require.NoError(t, rec.err)
	// non-confirmable responses are not acknowledged
	require.Len(t, sock.sent, 1)
}

func TestNonConfirmableRequestExpires(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	var rec responseRecorder
	_, err := c.SendRequest(&message.Message{Code: codes.GET, Type: message.NonConfirmable, Options: pathOptions(t, "/a")}, rec.handle)
	require.NoError(t, err)
	deadline, ok := c.NextDeadline()
	require.True(t, ok)
	require.NoError(t, c.CheckExpirations(deadline))
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrExchangeTimedOut)
	require.Len(t, sock.sent, 1)
}

func TestCancel(t *testing.T) {
	c, _ := newScriptedClient(t, false)
	var rec responseRecorder
	token, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Cancel(token))
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrExchangeCanceled)
	require.ErrorIs(t, c.Cancel(token), exchange.ErrNotFound)
}

func TestSendRequestValidation(t *testing.T) {
	c, _ := newScriptedClient(t, false)
	_, err := c.SendRequest(&message.Message{Code: codes.Content}, nil)
	require.ErrorIs(t, err, coapErrors.ErrMalformedMessage)

	_, err = c.SendRequest(&message.Message{Code: codes.GET, Token: message.Token{1}}, nil)
	require.NoError(t, err)
	_, err = c.SendRequest(&message.Message{Code: codes.GET, Token: message.Token{1}}, nil)
	require.ErrorIs(t, err, coapErrors.ErrTokenCollision)
	require.Equal(t, 1, c.clients.Len())
}

func TestDo(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	sock.push(encodeUDP(t, message.Message{
		Token:     message.Token{0xa0},
		Code:      codes.Content,
		Type:      message.Acknowledgement,
		MessageID: 0x1000,
		Payload:   []byte("hello"),
	}))
	resp, err := c.Do(context.Background(), newGET(t, "/a"))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code)
	require.Equal(t, []byte("hello"), resp.Payload)
}

func TestDoContextCanceled(t *testing.T) {
	c, _ := newScriptedClient(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, newGET(t, "/a"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, c.clients.Len())
}

// deadlineContext carries a deadline on the context clock rather than on the wall clock.
type deadlineContext struct {
	context.Context
	deadline time.Time
}

func (c deadlineContext) Deadline() (time.Time, bool) {
	return c.deadline, true
}

func TestDoDeadlineFollowsClock(t *testing.T) {
	c, sock := newScriptedClient(t, false)
	start := c.now()
	ctx := deadlineContext{Context: context.Background(), deadline: start.Add(5 * time.Second)}
	_, err := c.Do(ctx, newGET(t, "/a"))
	require.ErrorIs(t, err, coapErrors.ErrReceiveTimedOut)
	require.Equal(t, start.Add(5*time.Second), c.now())
	// the first retransmission is due after the ack timeout
	require.Greater(t, len(sock.sent), 1)
	require.Equal(t, 0, c.clients.Len())
}
