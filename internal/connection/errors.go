package connection

import "codeberg.org/mutker/forestwatch/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrInvalidEndpoint  = errors.ErrorCode("connection_invalid_endpoint")
	ErrMissingStore     = errors.ErrorCode("connection_missing_store")
	ErrMissingTransport = errors.ErrorCode("connection_missing_transport")
)
