package sshdevice

import (
	"context"
	"errors"
)

// Error kinds shared by every layer of the client. Typed errors returned by
// the transport, auth and channel packages wrap one of these, so callers can
// classify a failure with errors.Is regardless of where it was produced.
var (
	ErrNetwork        = errors.New("network error")
	ErrNegotiation    = errors.New("transport negotiation failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrIntegrity      = errors.New("protocol integrity violation")
	ErrChannelOpen    = errors.New("channel open failed")
	ErrState          = errors.New("operation not valid in current state")
	ErrTimeout        = errors.New("timed out")
	ErrPeerClosed     = errors.New("closed by peer")
	ErrProtocol       = errors.New("protocol error")
)

// StatusFor maps an error to the status code reported by the public API.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrIntegrity):
		return StatusIntegrityError
	case errors.Is(err, ErrNegotiation):
		return StatusNegotiationFailed
	case errors.Is(err, ErrAuthentication):
		return StatusAuthFailed
	case errors.Is(err, ErrChannelOpen):
		return StatusChannelOpenFailed
	case errors.Is(err, ErrProtocol):
		return StatusProtocolError
	case errors.Is(err, ErrPeerClosed):
		return StatusPeerClosed
	case errors.Is(err, ErrNetwork):
		return StatusNetworkError
	case errors.Is(err, ErrState):
		return StatusNotReady
	default:
		return StatusError
	}
}
