package channel

import (
	"errors"
	"fmt"

	"github.com/pascal71/sshdevice-go"
)

// Open failure reason codes, RFC 4254 section 5.1.
const (
	AdministrativelyProhibited uint32 = 1
	ConnectFailed              uint32 = 2
	UnknownChannelType         uint32 = 3
	ResourceShortage           uint32 = 4
)

// OpenError is returned when the server refuses to open a channel.
type OpenError struct {
	Reason  uint32
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("ssh: channel open rejected: %s (%d): %s", reasonText(e.Reason), e.Reason, e.Message)
}

func (e *OpenError) Unwrap() error { return sshdevice.ErrChannelOpen }

func reasonText(r uint32) string {
	switch r {
	case AdministrativelyProhibited:
		return "administratively prohibited"
	case ConnectFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return "unknown reason"
}

var (
	// ErrClosed is returned by operations on a channel that has been closed
	// locally or by the peer.
	ErrClosed = errors.New("ssh: channel closed")

	// ErrUnexpectedMessage is returned by Mux.Handle for messages outside
	// the connection protocol.
	ErrUnexpectedMessage = errors.New("ssh: message not handled by connection layer")
)

// RequestError reports a channel request the server answered with failure.
type RequestError struct {
	Request string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("ssh: server refused %q request", e.Request)
}

func (e *RequestError) Unwrap() error { return sshdevice.ErrChannelOpen }

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sshdevice.ErrProtocol}, args...)...)
}
