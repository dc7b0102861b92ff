package client

import "fmt"

// State is the lifecycle state of a Device.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateClosing
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
	StateClosing:        "closing",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// connecting reports whether a Connect call owns the device.
func (s State) connecting() bool {
	return s == StateConnecting || s == StateAuthenticating
}
