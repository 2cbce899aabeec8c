package coap

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/options"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/rand"
	tcpCoder "github.com/plgd-dev/go-coap-exchange/tcp/coder"
	udpCoder "github.com/plgd-dev/go-coap-exchange/udp/coder"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// mockSocket delivers what its peer sends. Receive on an empty inbox lets the whole timeout
// pass on the shared clock.
type mockSocket struct {
	clock    *testClock
	reliable bool
	addr     net.Addr
	peer     *mockSocket
	inbox    [][]byte
	sent     [][]byte
	// drop filters data sent to the peer
	drop    func(data []byte) bool
	sendErr error
	closed  bool
}

func (s *mockSocket) Send(data []byte) error {
	if s.closed {
		return coapErrors.ErrConnectionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	d := append([]byte(nil), data...)
	s.sent = append(s.sent, d)
	if s.peer != nil && (s.drop == nil || !s.drop(d)) {
		s.peer.inbox = append(s.peer.inbox, d)
	}
	return nil
}

func (s *mockSocket) Receive(buf []byte, timeout time.Duration) (int, error) {
	if len(s.inbox) == 0 {
		if s.closed {
			return 0, coapErrors.ErrConnectionClosed
		}
		s.clock.Advance(timeout)
		return 0, fmt.Errorf("%w: mock socket", coapErrors.ErrReceiveTimedOut)
	}
	n := copy(buf, s.inbox[0])
	if s.reliable && n < len(s.inbox[0]) {
		s.inbox[0] = s.inbox[0][n:]
		return n, nil
	}
	s.inbox = s.inbox[1:]
	return n, nil
}

func (s *mockSocket) Reliable() bool {
	return s.reliable
}

func (s *mockSocket) RemoteAddr() net.Addr {
	return s.addr
}

func (s *mockSocket) Close() error {
	s.closed = true
	return nil
}

// push queues data as if the peer sent it.
func (s *mockSocket) push(data ...[]byte) {
	s.inbox = append(s.inbox, data...)
}

func newMockPair(clock *testClock, reliable bool) (*mockSocket, *mockSocket) {
	a := &mockSocket{clock: clock, reliable: reliable, addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683}}
	b := &mockSocket{clock: clock, reliable: reliable, addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5683}}
	a.peer, b.peer = b, a
	return a, b
}

func testOptions(clock *testClock, tokenBase byte, mid int32) []options.Option {
	next := tokenBase
	return []options.Option{
		options.WithClock(clock.Now),
		options.WithRandom(rand.Fixed{}),
		options.WithGetToken(func() (message.Token, error) {
			t := message.Token{next}
			next++
			return t, nil
		}),
		options.WithGetMID(func() int32 { return mid }),
	}
}

type testPair struct {
	clock        *testClock
	client       *Context
	server       *Context
	clientSocket *mockSocket
	serverSocket *mockSocket
}

func newTestPair(t *testing.T, reliable bool, opts ...options.Option) *testPair {
	clock := newTestClock()
	cs, ss := newMockPair(clock, reliable)
	p := &testPair{
		clock:        clock,
		clientSocket: cs,
		serverSocket: ss,
		client:       New(cs, append(testOptions(clock, 0xa0, 0x1000), opts...)...),
		server:       New(ss, append(testOptions(clock, 0xb0, 0x2000), opts...)...),
	}
	t.Cleanup(func() {
		_ = p.client.Close()
		_ = p.server.Close()
	})
	return p
}

// pump drives both contexts while data is in flight.
func (p *testPair) pump(t *testing.T, h RequestHandler) {
	for i := 0; i < 1000; i++ {
		progressed := false
		if len(p.serverSocket.inbox) > 0 {
			require.NoError(t, p.server.HandleIncomingPacket(h))
			progressed = true
		}
		if len(p.clientSocket.inbox) > 0 {
			require.NoError(t, p.client.HandleIncomingPacket(nil))
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("exchange does not settle")
}

type responseRecorder struct {
	calls int
	resp  *message.Message
	err   error
}

func (r *responseRecorder) handle(resp *message.Message, err error) {
	r.calls++
	r.resp = resp
	r.err = err
}

func encodeUDP(t *testing.T, m message.Message) []byte {
	data, err := (&udpCoder.Coder{AllowUnknownCriticalOptions: true}).Marshal(m)
	require.NoError(t, err)
	return data
}

func decodeUDP(t *testing.T, data []byte) message.Message {
	var m message.Message
	_, err := (&udpCoder.Coder{AllowUnknownCriticalOptions: true}).Decode(data, &m)
	require.NoError(t, err)
	return m
}

func encodeTCP(t *testing.T, m message.Message) []byte {
	data, err := (&tcpCoder.Coder{AllowUnknownCriticalOptions: true}).Marshal(m)
	require.NoError(t, err)
	return data
}

func decodeTCP(t *testing.T, data []byte) message.Message {
	var m message.Message
	_, err := (&tcpCoder.Coder{AllowUnknownCriticalOptions: true}).Decode(data, &m)
	require.NoError(t, err)
	return m
}

func decodeSent(t *testing.T, s *mockSocket) []message.Message {
	r := make([]message.Message, 0, len(s.sent))
	for _, d := range s.sent {
		if s.reliable {
			r = append(r, decodeTCP(t, d))
			continue
		}
		r = append(r, decodeUDP(t, d))
	}
	return r
}

func block(t *testing.T, opts message.Options, id message.OptionID) blockwise.Block {
	b, ok, err := blockwise.GetBlock(opts, id)
	require.NoError(t, err)
	require.True(t, ok, "option %v is missing", id)
	return b
}

func withBlock(t *testing.T, opts message.Options, id message.OptionID, b blockwise.Block) message.Options {
	opts, err := blockwise.SetBlock(opts, id, b)
	require.NoError(t, err)
	return opts
}

func pathOptions(t *testing.T, path string) message.Options {
	opts, err := message.Options{}.SetPath(path)
	require.NoError(t, err)
	return opts
}

func payloadOf(size int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
}

func newGET(t *testing.T, path string) *message.Message {
	return &message.Message{Code: codes.GET, Options: pathOptions(t, path)}
}
