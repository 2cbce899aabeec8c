package message

import (
	"fmt"
	"math"
)

// Type of a message on an unreliable transport (RFC 7252 section 4).
// Messages on reliable transports carry no type, they use Unset.
type Type int16

const (
	Unset Type = -1
	// Confirmable messages are retransmitted until they are acknowledged or reset.
	Confirmable Type = 0
	// NonConfirmable messages are sent once.
	NonConfirmable Type = 1
	// Acknowledgement confirms a confirmable message and may carry a piggybacked response.
	Acknowledgement Type = 2
	// Reset rejects a message the receiver cannot process.
	Reset Type = 3
)

var typeNames = [...]string{
	Confirmable:     "Confirmable",
	NonConfirmable:  "NonConfirmable",
	Acknowledgement: "Acknowledgement",
	Reset:           "Reset",
}

func (t Type) String() string {
	if t == Unset {
		return "Unset"
	}
	if ValidateType(t) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// ValidateType reports whether typ fits the 2 bit type field of the datagram header.
func ValidateType(typ Type) bool {
	return typ >= Confirmable && typ <= Reset
}

// ValidateMID reports whether mid fits the 16 bit message id field of the datagram header.
func ValidateMID(mid int32) bool {
	return mid >= 0 && mid <= math.MaxUint16
}
