package sshdevice

import "fmt"

// Status is the integer result code returned by Connect, SendCommand and
// Disconnect. Zero means success.
type Status int

const (
	StatusOK Status = 0

	// Synchronous state errors; these never touch the network.
	StatusNotReady        Status = 1
	StatusBusy            Status = 2
	StatusNotConnected    Status = 3
	StatusInvalidArgument Status = 4
	StatusQueueFull       Status = 5

	// Session failures.
	StatusNetworkError      Status = 10
	StatusNegotiationFailed Status = 11
	StatusAuthFailed        Status = 12
	StatusIntegrityError    Status = 13
	StatusChannelOpenFailed Status = 14
	StatusTimeout           Status = 15
	StatusProtocolError     Status = 16
	StatusPeerClosed        Status = 17

	StatusError Status = 99
)

var statusNames = map[Status]string{
	StatusOK:                "ok",
	StatusNotReady:          "not ready",
	StatusBusy:              "busy",
	StatusNotConnected:      "not connected",
	StatusInvalidArgument:   "invalid argument",
	StatusQueueFull:         "command queue full",
	StatusNetworkError:      "network error",
	StatusNegotiationFailed: "negotiation failed",
	StatusAuthFailed:        "authentication failed",
	StatusIntegrityError:    "integrity error",
	StatusChannelOpenFailed: "channel open failed",
	StatusTimeout:           "timeout",
	StatusProtocolError:     "protocol error",
	StatusPeerClosed:        "closed by peer",
	StatusError:             "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// OK reports whether s signals success.
func (s Status) OK() bool { return s == StatusOK }
