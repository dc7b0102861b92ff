package auth

import (
	"fmt"
	"strings"

	"github.com/pascal71/sshdevice-go"
)

// Kind classifies an authentication failure.
type Kind int

const (
	// Exhausted means the attempt limit was reached.
	Exhausted Kind = iota + 1
	// BadCredentials means every usable method was rejected before the
	// attempt limit was reached.
	BadCredentials
	// MethodNotSupported means the server accepts none of the configured
	// methods.
	MethodNotSupported
)

func (k Kind) String() string {
	switch k {
	case Exhausted:
		return "attempts exhausted"
	case BadCredentials:
		return "credentials rejected"
	case MethodNotSupported:
		return "no supported method"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Authenticate when the server did not accept us. It
// matches sshdevice.ErrAuthentication.
type Error struct {
	Kind     Kind
	Attempts int
	// Allowed is the method list from the server's last failure message.
	Allowed []string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ssh: authentication failed: %s after %d attempt(s)", e.Kind, e.Attempts)
	if len(e.Allowed) > 0 {
		msg += " (server allows " + strings.Join(e.Allowed, ",") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{sshdevice.ErrAuthentication}
	}
	return []error{sshdevice.ErrAuthentication, e.Err}
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sshdevice.ErrProtocol}, args...)...)
}
