package message

import (
	"errors"
	"fmt"

	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

var (
	ErrTooSmall                     = errors.New("too small bytes buffer")
	ErrInvalidOptionHeaderExt       = errors.New("invalid option header ext")
	ErrInvalidTokenLen              = errors.New("invalid token length")
	ErrInvalidValueLength           = errors.New("invalid value length")
	ErrShortRead                    = errors.New("invalid short read")
	ErrOptionTruncated              = errors.New("option truncated")
	ErrOptionUnexpectedExtendMarker = errors.New("option unexpected extend marker")
	ErrOptionNotFound               = errors.New("option not found")
	ErrOptionDuplicate              = errors.New("duplicated option")
	ErrOptionsUnsorted              = errors.New("options are not sorted")
	ErrPayloadMarkerWithoutPayload  = errors.New("payload marker without payload")
)

// UnknownCriticalOptionError reports the first unrecognized critical option of a message.
type UnknownCriticalOptionError struct {
	ID OptionID
}

func (e UnknownCriticalOptionError) Error() string {
	return fmt.Sprintf("%v: %v", coapErrors.ErrUnknownCriticalOption, e.ID)
}

func (e UnknownCriticalOptionError) Is(target error) bool {
	return target == coapErrors.ErrUnknownCriticalOption
}
