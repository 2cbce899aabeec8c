package coap

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/options"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/stretchr/testify/require"
)

// pushBlock1 queues the body as a series of Block1 requests with message ids starting at mid.
func pushBlock1(t *testing.T, sock *mockSocket, code codes.Code, path string, mid int32, body []byte, szx blockwise.SZX) int {
	size := int(szx.Size())
	n := 0
	for offset := 0; offset == 0 || offset < len(body); offset += size {
		end := offset + size
		if end > len(body) {
			end = len(body)
		}
		b := blockwise.Block{Num: int64(offset / size), More: end < len(body), SZX: szx}
		opts := withBlock(t, pathOptions(t, path), message.Block1, b)
		sock.push(conRequest(t, code, mid+int32(n), 1, opts, body[offset:end]))
		n++
	}
	return n
}

func changedWithBody(t *testing.T, got *[]byte) StreamingRequestHandler {
	return func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		*got = data
		_, err = rc.SetupResponse(codes.Changed, nil)
		return err
	}
}

func TestStreamingSingleMessage(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	sock.push(conRequest(t, codes.POST, 7, 1, pathOptions(t, "/a"), []byte("hello")))
	var got []byte
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		got = data
		w, err := rc.SetupResponse(codes.Content, message.Options{}.SetContentFormat(message.TextPlain))
		if err != nil {
			return err
		}
		_, err = w.Write([]byte("ok"))
		return err
	}))
	require.Equal(t, []byte("hello"), got)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.Content, sent[0].Code)
	require.Equal(t, []byte("ok"), sent[0].Payload)
	cf, err := sent[0].Options.ContentFormat()
	require.NoError(t, err)
	require.Equal(t, message.TextPlain, cf)
}

func TestStreamingBlock1(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	body := payloadOf(40)
	pushBlock1(t, sock, codes.PUT, "/a", 1, body, blockwise.SZX16)
	var got []byte
	require.NoError(t, c.StreamingHandleIncomingPacket(changedWithBody(t, &got)))
	require.Equal(t, body, got)

	sent := decodeSent(t, sock)
	require.Len(t, sent, 3)
	for i, m := range sent {
		require.Equal(t, int32(i+1), m.MessageID)
		b := block(t, m.Options, message.Block1)
		require.Equal(t, int64(i), b.Num)
		require.Equal(t, blockwise.SZX16, b.SZX)
		if i < 2 {
			require.Equal(t, codes.Continue, m.Code)
			require.True(t, b.More)
			continue
		}
		require.Equal(t, codes.Changed, m.Code)
		require.False(t, b.More)
	}
	require.Empty(t, sock.inbox)
}

func TestStreamingPeekAndReadByte(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	body := payloadOf(20)
	pushBlock1(t, sock, codes.PUT, "/a", 1, body, blockwise.SZX16)
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, r *BodyReader) error {
		for i := range body {
			p, err := r.Peek()
			require.NoError(t, err)
			require.Equal(t, body[i], p)
			b, err := r.ReadByte()
			require.NoError(t, err)
			require.Equal(t, body[i], b)
		}
		_, err := r.Peek()
		require.ErrorIs(t, err, io.EOF)
		_, err = r.ReadByte()
		require.ErrorIs(t, err, io.EOF)
		_, err = rc.SetupResponse(codes.Changed, nil)
		return err
	}))
	require.Len(t, sock.sent, 2)
}

func TestStreamingBodyIgnored(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	n := pushBlock1(t, sock, codes.PUT, "/a", 1, payloadOf(40), blockwise.SZX16)
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, err := rc.SetupResponse(codes.Changed, nil)
		return err
	}))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.Changed, sent[0].Code)
	require.Equal(t, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}, block(t, sent[0].Options, message.Block1))
	require.Len(t, sock.inbox, n-1)
}

func TestStreamingWithoutResponse(t *testing.T) {
	var reported error
	c, sock := newScriptedServer(t, false, options.WithErrors(func(err error) { reported = err }))
	pushBlock1(t, sock, codes.PUT, "/a", 1, payloadOf(20), blockwise.SZX16)
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, err := io.ReadAll(body)
		return err
	}))
	require.ErrorIs(t, reported, errNoResponse)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 2)
	require.Equal(t, codes.InternalServerError, sent[1].Code)
	require.Equal(t, blockwise.Block{Num: 1, SZX: blockwise.SZX16}, block(t, sent[1].Options, message.Block1))
}

func TestStreamingHandlerError(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	sock.push(conRequest(t, codes.POST, 7, 1, pathOptions(t, "/a"), []byte("x")))
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, err := rc.SetupResponse(codes.Changed, nil)
		require.NoError(t, err)
		return errors.New("cannot store")
	}))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.InternalServerError, sent[0].Code)
}

func TestStreamingSetupResponse(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	sock.push(conRequest(t, codes.POST, 7, 1, pathOptions(t, "/a"), nil))
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, err := rc.SetupResponse(codes.GET, nil)
		require.ErrorIs(t, err, ErrInvalidResponseCode)
		_, err = rc.SetupResponse(codes.Created, nil)
		require.NoError(t, err)
		_, err = rc.SetupResponse(codes.Created, nil)
		require.ErrorIs(t, err, ErrResponseAlreadySetUp)
		return nil
	}))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.Created, sent[0].Code)
}

func TestStreamingOtherRequestIsBusy(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	body := payloadOf(20)
	sock.push(conRequest(t, codes.PUT, 1, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}), body[:16]))
	sock.push(conRequest(t, codes.GET, 50, 9, pathOptions(t, "/b"), nil))
	sock.push(conRequest(t, codes.PUT, 2, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 1, SZX: blockwise.SZX16}), body[16:]))
	var got []byte
	require.NoError(t, c.StreamingHandleIncomingPacket(changedWithBody(t, &got)))
	require.Equal(t, body, got)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 3)
	require.Equal(t, codes.Continue, sent[0].Code)
	require.Equal(t, codes.ServiceUnavailable, sent[1].Code)
	require.Equal(t, int32(50), sent[1].MessageID)
	require.Equal(t, codes.Changed, sent[2].Code)
}

func TestStreamingDuplicateBlock(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	body := payloadOf(20)
	first := conRequest(t, codes.PUT, 1, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}), body[:16])
	sock.push(first, first)
	sock.push(conRequest(t, codes.PUT, 2, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 1, SZX: blockwise.SZX16}), body[16:]))
	var got []byte
	require.NoError(t, c.StreamingHandleIncomingPacket(changedWithBody(t, &got)))
	require.Equal(t, body, got)
	require.Len(t, sock.sent, 3)
	require.Equal(t, sock.sent[0], sock.sent[1])
}

func TestStreamingBlock2InIntermediateBlock(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	opts := withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16})
	opts = withBlock(t, opts, message.Block2, blockwise.Block{SZX: blockwise.SZX16})
	sock.push(conRequest(t, codes.PUT, 1, 1, opts, payloadOf(16)))
	called := false
	require.NoError(t, c.StreamingHandleIncomingPacket(func(*StreamingRequestContext, *message.Message, *BodyReader) error {
		called = true
		return nil
	}))
	require.False(t, called)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.BadOption, sent[0].Code)
}

func TestStreamingOutOfOrderFirstBlock(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	opts := withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 3, More: true, SZX: blockwise.SZX16})
	sock.push(conRequest(t, codes.PUT, 1, 1, opts, payloadOf(16)))
	require.NoError(t, c.StreamingHandleIncomingPacket(func(*StreamingRequestContext, *message.Message, *BodyReader) error {
		t.Fatal("handler must not be called")
		return nil
	}))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.RequestEntityIncomplete, sent[0].Code)
}

func TestStreamingOutOfOrderBlock(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	sock.push(conRequest(t, codes.PUT, 1, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}), payloadOf(16)))
	sock.push(conRequest(t, codes.PUT, 2, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 2, SZX: blockwise.SZX16}), payloadOf(4)))
	var readErr error
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, readErr = io.ReadAll(body)
		return readErr
	}))
	require.ErrorIs(t, readErr, coapErrors.ErrOutOfOrderBlock)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 2)
	require.Equal(t, codes.RequestEntityIncomplete, sent[1].Code)
}

func TestStreamingReceiveTimeout(t *testing.T) {
	c, sock := newScriptedServer(t, false, options.WithReceiveTimeout(5*time.Second))
	sock.push(conRequest(t, codes.PUT, 1, 1, withBlock(t, pathOptions(t, "/a"), message.Block1, blockwise.Block{Num: 0, More: true, SZX: blockwise.SZX16}), payloadOf(16)))
	var readErr error
	err := c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, body *BodyReader) error {
		_, readErr = io.ReadAll(body)
		return readErr
	})
	require.ErrorIs(t, err, coapErrors.ErrReceiveTimedOut)
	require.ErrorIs(t, readErr, coapErrors.ErrReceiveTimedOut)
	var exchangeErr *coapErrors.ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	require.Equal(t, []byte{1}, exchangeErr.Token)
	require.Equal(t, int64(0), exchangeErr.BlockNumber)
	sent := decodeSent(t, sock)
	require.Len(t, sent, 1)
	require.Equal(t, codes.Continue, sent[0].Code)
}

func TestStreamingBlock2Response(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	body := payloadOf(40)
	for i := 0; i < 3; i++ {
		opts := withBlock(t, pathOptions(t, "/a"), message.Block2, blockwise.Block{Num: int64(i), SZX: blockwise.SZX16})
		sock.push(conRequest(t, codes.GET, int32(i+1), byte(i+1), opts, nil))
	}
	require.NoError(t, c.StreamingHandleIncomingPacket(func(rc *StreamingRequestContext, req *message.Message, _ *BodyReader) error {
		w, err := rc.SetupResponse(codes.Content, nil)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, bytes.NewReader(body))
		return err
	}))
	sent := decodeSent(t, sock)
	require.Len(t, sent, 3)
	var got []byte
	etag, err := sent[0].Options.ETag()
	require.NoError(t, err)
	for i, m := range sent {
		require.Equal(t, int32(i+1), m.MessageID)
		b := block(t, m.Options, message.Block2)
		require.Equal(t, int64(i), b.Num)
		require.Equal(t, i < 2, b.More)
		e, err := m.Options.ETag()
		require.NoError(t, err)
		require.Equal(t, etag, e)
		got = append(got, m.Payload...)
	}
	require.Equal(t, body, got)
	size2, err := sent[0].Options.GetUint32(message.Size2)
	require.NoError(t, err)
	require.Equal(t, uint32(40), size2)
}

func TestStreamingNilHandlerDropsRequest(t *testing.T) {
	c, sock := newScriptedServer(t, false)
	sock.push(conRequest(t, codes.POST, 7, 1, pathOptions(t, "/a"), nil))
	require.NoError(t, c.StreamingHandleIncomingPacket(nil))
	require.Empty(t, sock.sent)
}
