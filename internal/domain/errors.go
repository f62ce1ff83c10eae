package domain

import "errors"

var (
	ErrInvalidDevice     = errors.New("invalid device id")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrReadFailure       = errors.New("device read failure")
	ErrEndOfStream       = errors.New("end of stream")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrShuttingDown      = errors.New("shutting down")
)
