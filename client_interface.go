// Package sshdevice defines the public contract of the SSH device client:
// the Interface implemented by client.Device, the output callback type,
// the error taxonomy and the integer status codes.
package sshdevice

// OutputCallback receives decoded session output. It is invoked from a
// delivery goroutine, one call at a time, in arrival order.
type OutputCallback func(text string)

// Interface defines the SSH device contract, for mocking.
type Interface interface {
	Connect(host string, port uint16, user, password string) Status
	SendCommand(command string) Status
	Disconnect() Status
	SetOutputCallback(cb OutputCallback)
	ParseData(data string)
	String() string
	HashCode() int32
}
