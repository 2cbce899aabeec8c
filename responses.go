package coap

import (
	"errors"

	"github.com/plgd-dev/go-coap-exchange/message/codes"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

// errorCode returns the response code a failure of a request is reported with.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, coapErrors.ErrOutOfOrderBlock):
		return codes.RequestEntityIncomplete
	case errors.Is(err, coapErrors.ErrPayloadTooLarge):
		return codes.RequestEntityTooLarge
	case errors.Is(err, coapErrors.ErrUnknownCriticalOption),
		errors.Is(err, blockwise.ErrBlockOutOfRange),
		errors.Is(err, errBlock2InBlock1):
		return codes.BadOption
	case errors.Is(err, coapErrors.ErrMalformedMessage),
		errors.Is(err, coapErrors.ErrTokenCollision),
		errors.Is(err, coapErrors.ErrBlockNegotiation),
		errors.Is(err, blockwise.ErrInvalidSZX):
		return codes.BadRequest
	case errors.Is(err, errServiceUnavailable):
		return codes.ServiceUnavailable
	}
	return codes.InternalServerError
}
