package math

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var ErrOutOfRange = errors.New("value out of range")

// SafeCastTo converts from to T and fails when the value cannot be represented by T.
func SafeCastTo[T, F constraints.Integer](from F) (T, error) {
	to := T(from)
	if F(to) != from || (to < 0) != (from < 0) {
		return 0, fmt.Errorf("%w: value(%v) for type %T", ErrOutOfRange, from, to)
	}
	return to, nil
}

// MustSafeCastTo is like SafeCastTo but panics when the value does not fit.
// Use it only for values whose range is guaranteed by the caller.
func MustSafeCastTo[T, F constraints.Integer](from F) T {
	to, err := SafeCastTo[T](from)
	if err != nil {
		panic(err)
	}
	return to
}

// Clamp limits v to the range [lo, hi].
func Clamp[T constraints.Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
