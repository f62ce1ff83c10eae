package signal

import (
	"errors"
	"net/http"

	"github.com/dkeye/camcast/internal/domain"
)

var (
	ErrRateLimited = errors.New("too many offers")
	ErrBadMessage  = errors.New("malformed request")
)

// Classify maps an error to an HTTP status and a stable code shared by the
// REST and WebSocket surfaces.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, domain.ErrInvalidDevice):
		return http.StatusBadRequest, "invalid_device"
	case errors.Is(err, domain.ErrNegotiationFailed):
		return http.StatusBadRequest, "negotiation_failed"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrBadMessage):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
