package transport

import (
	"errors"
	"fmt"

	"github.com/pascal71/sshdevice-go"
)

// NegotiationError reports a failed version exchange, algorithm negotiation,
// key exchange or host key check.
type NegotiationError struct {
	Stage string // "version", "algorithms", "kex", "hostkey"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("ssh: negotiation failed during %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{sshdevice.ErrNegotiation, e.Err} }

// IntegrityError reports a record that failed MAC or AEAD verification, or
// whose framing could not have been produced by a well-behaved peer.
type IntegrityError struct {
	Seq    uint32
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ssh: integrity check failed on record %d: %s", e.Seq, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return sshdevice.ErrIntegrity }

// DisconnectError carries the reason sent by the peer in SSH_MSG_DISCONNECT.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("ssh: disconnected by peer (reason %d): %s", e.Reason, e.Message)
}

func (e *DisconnectError) Unwrap() error { return sshdevice.ErrPeerClosed }

// ErrNeedMore is returned by Codec.Next while the next record is incomplete.
var ErrNeedMore = errors.New("ssh: need more bytes")

func negotiationErr(stage string, err error) error {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &NegotiationError{Stage: stage, Err: err}
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sshdevice.ErrProtocol}, args...)...)
}

func networkErr(err error) error {
	return fmt.Errorf("%w: %w", sshdevice.ErrNetwork, err)
}
