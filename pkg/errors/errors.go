package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when bytes cannot be parsed as a CoAP message
	// or a message cannot be represented on the wire.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownCriticalOption is returned when a message carries an unrecognized option
	// with an odd option number. The peer must be answered with 4.02 Bad Option.
	ErrUnknownCriticalOption = errors.New("unknown critical option")
	// ErrTokenCollision is returned when a token is already used by an open exchange.
	ErrTokenCollision = errors.New("token collision")
	// ErrOutOfOrderBlock is returned when a block number does not follow the last accepted block.
	ErrOutOfOrderBlock = errors.New("out of order block")
	// ErrBlockNegotiation is returned when a block producer tries to increase the block size.
	ErrBlockNegotiation = errors.New("block size negotiation error")
	// ErrResourceChanged is returned when the ETag changes in the middle of a block2 series.
	ErrResourceChanged = errors.New("resource changed during transfer")
	// ErrPayloadTooLarge is returned when a reassembled payload exceeds the configured maximum.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrExchangeTimedOut is returned when a confirmable message was not acknowledged
	// after all retransmissions.
	ErrExchangeTimedOut = errors.New("exchange timed out")
	// ErrReceiveTimedOut is returned when no data arrived within the receive timeout.
	ErrReceiveTimedOut = errors.New("receive timed out")
	// ErrConnectionClosed is returned when the transport was closed by the peer.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionRefused is returned when the peer refused the datagram.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrConnectionReset is returned when the peer reset the connection.
	ErrConnectionReset = errors.New("connection reset")
	// ErrResetReceived is returned when the peer rejected a message with Reset.
	ErrResetReceived = errors.New("reset message received")
	// ErrKeyAlreadyExists is returned when a cache key is already used.
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrContextBusy is returned when the context is driven from two flows at the same time.
	ErrContextBusy = errors.New("context is driven by another flow")
	// ErrContextClosed is returned when an operation is called on a closed context.
	ErrContextClosed = errors.New("context is closed")
	// ErrExchangeCanceled is returned to a response handler when its exchange was canceled.
	ErrExchangeCanceled = errors.New("exchange canceled")
)

// ExchangeError carries the exchange identification of a failure so the caller
// is able to log it and restart the transfer.
type ExchangeError struct {
	Token       []byte
	BlockNumber int64 // -1 when no block-wise transfer was in progress
	Err         error
}

func NewExchangeError(token []byte, blockNumber int64, err error) *ExchangeError {
	return &ExchangeError{
		Token:       token,
		BlockNumber: blockNumber,
		Err:         err,
	}
}

func (e *ExchangeError) Error() string {
	if e.BlockNumber < 0 {
		return fmt.Sprintf("exchange(token: %x): %v", e.Token, e.Err)
	}
	return fmt.Sprintf("exchange(token: %x, block: %v): %v", e.Token, e.BlockNumber, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err was caused by the socket itself rather than by the peer's messages.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrReceiveTimedOut) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrConnectionReset)
}
