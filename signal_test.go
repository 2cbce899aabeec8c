package coap

import (
	"testing"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/stretchr/testify/require"
)

func tcpMessage(t *testing.T, code codes.Code, token byte, opts message.Options, payload []byte) []byte {
	return encodeTCP(t, message.Message{Token: message.Token{token}, Code: code, Options: opts, Payload: payload, Type: message.Unset, MessageID: -1})
}

func TestCSMIsSentFirst(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	sock.push(tcpMessage(t, codes.GET, 1, pathOptions(t, "/a"), nil))
	calls := 0
	require.NoError(t, c.HandleIncomingPacket(echoHandler(&calls)))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 2)
	require.Equal(t, codes.CSM, sent[0].Code)
	size, err := sent[0].Options.GetUint32(optionMaxMessageSize)
	require.NoError(t, err)
	require.Equal(t, uint32(c.cfg.MaxMessageSize), size)
	require.True(t, sent[0].Options.HasOption(optionBlockWiseTransfer))
	require.Equal(t, codes.Content, sent[1].Code)
}

func TestPingPong(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	sock.push(tcpMessage(t, codes.Ping, 5, nil, nil))
	require.NoError(t, c.HandleIncomingPacket(nil))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 2)
	require.Equal(t, codes.Pong, sent[1].Code)
	require.Equal(t, message.Token{5}, sent[1].Token)
}

func TestMultipleFramesInOneRead(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	var chunk []byte
	chunk = append(chunk, tcpMessage(t, codes.GET, 1, pathOptions(t, "/a"), nil)...)
	chunk = append(chunk, tcpMessage(t, codes.GET, 2, pathOptions(t, "/b"), nil)...)
	chunk = append(chunk, tcpMessage(t, codes.GET, 3, pathOptions(t, "/c"), nil)...)
	sock.push(chunk)
	calls := 0
	require.NoError(t, c.HandleIncomingPacket(echoHandler(&calls)))
	require.Equal(t, 3, calls)
}

func TestFrameSplitAcrossReads(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	frame := tcpMessage(t, codes.POST, 1, pathOptions(t, "/a"), payloadOf(100))
	sock.push(frame[:3], frame[3:50], frame[50:])
	calls := 0
	require.NoError(t, c.HandleIncomingPacket(echoHandler(&calls)))
	require.Equal(t, 1, calls)
}

func TestReleaseAbortsExchanges(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	var rec responseRecorder
	_, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	sock.push(tcpMessage(t, codes.Release, 0, nil, nil))
	err = c.HandleIncomingPacket(nil)
	require.ErrorIs(t, err, coapErrors.ErrConnectionClosed)
	require.Equal(t, 1, rec.calls)
	require.ErrorIs(t, rec.err, coapErrors.ErrConnectionClosed)
	require.Equal(t, 0, c.clients.Len())
}

func TestConnectionClosedAbortsExchanges(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	var rec responseRecorder
	_, err := c.SendRequest(newGET(t, "/a"), rec.handle)
	require.NoError(t, err)
	sock.closed = true
	err = c.HandleIncomingPacket(nil)
	require.ErrorIs(t, err, coapErrors.ErrConnectionClosed)
	require.ErrorIs(t, rec.err, coapErrors.ErrConnectionClosed)
}

func TestMalformedFrameAbortsStream(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	// token length 9 is reserved
	sock.push([]byte{0x09, 0x01})
	err := c.HandleIncomingPacket(nil)
	require.ErrorIs(t, err, coapErrors.ErrConnectionClosed)
	sent := decodeSent(t, sock)
	require.Equal(t, codes.Abort, sent[len(sent)-1].Code)
}

func TestPeerMaxMessageSizeLimitsBlocks(t *testing.T) {
	c, sock := newScriptedServer(t, true)
	sock.push(tcpMessage(t, codes.CSM, 0, message.Options{}.SetUint32(optionMaxMessageSize, 600), nil))
	require.NoError(t, c.HandleIncomingPacket(nil))
	require.Equal(t, blockwise.SZX256, c.blockSZX())
}
