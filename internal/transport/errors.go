package transport

import "codeberg.org/mutker/forestwatch/internal/errors"

const (
	ErrDial           = errors.ErrorCode("transport_dial_failed")
	ErrRead           = errors.ErrorCode("transport_read_failed")
	ErrSubscribe      = errors.ErrorCode("transport_subscribe_failed")
	ErrConnectionLost = errors.ErrorCode("transport_connection_lost")
	ErrClose          = errors.ErrorCode("transport_close_failed")
)
