package session

import (
	"errors"

	"github.com/kstaniek/aa-headunit/internal/metrics"
	"github.com/kstaniek/aa-headunit/internal/payload"
	"github.com/kstaniek/aa-headunit/internal/tlsio"
	"github.com/kstaniek/aa-headunit/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrHandshakeTimeout = errors.New("phone handshake timeout")
	ErrProtocol         = errors.New("protocol violation")
	ErrTLS              = errors.New("tls handshake")
	ErrSend             = errors.New("send")
	ErrAlreadyStarted   = errors.New("session already started")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return metrics.ErrHandshake
	case errors.Is(err, ErrTLS), errors.Is(err, tlsio.ErrStalled):
		return metrics.ErrTLS
	case errors.Is(err, payload.ErrMalformed), errors.Is(err, payload.ErrTruncated):
		return metrics.ErrPayloadDecoding
	case errors.Is(err, ErrSend), errors.Is(err, transport.ErrWriteTimeout), errors.Is(err, transport.ErrNotConnected):
		return metrics.ErrSend
	default:
		return "other"
	}
}
