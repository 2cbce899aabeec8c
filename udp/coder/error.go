package coder

import "errors"

var (
	ErrMessageTruncated      = errors.New("message is truncated")
	ErrMessageInvalidVersion = errors.New("message has invalid version")
	ErrEmptyMessageNotEmpty  = errors.New("empty message contains token, options or payload")
)
