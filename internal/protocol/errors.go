package protocol

import "codeberg.org/mutker/forestwatch/internal/errors"

const (
	ErrMalformedMessage = errors.ErrorCode("protocol_malformed_message")
	ErrNotAnObject      = errors.ErrorCode("protocol_not_an_object")
)
