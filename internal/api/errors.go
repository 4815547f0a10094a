package api

import "codeberg.org/mutker/forestwatch/internal/errors"

const (
	ErrServe          = errors.ErrServeAPI
	ErrShutdown       = errors.ErrShutdownFailed
	ErrEncodeResponse = errors.ErrorCode("api_encode_response_failed")
	ErrUpgrade        = errors.ErrorCode("api_websocket_upgrade_failed")
	ErrBadRequest     = errors.ErrorCode("api_bad_request")
)
