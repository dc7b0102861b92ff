// Package client provides Device, an SSH session to a network device that
// sends command strings over an interactive shell and delivers everything
// the device prints to a single output callback.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/metrics"
	"github.com/pascal71/sshdevice-go/parser"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned while another Connect or Disconnect owns the device.
	ErrBusy = fmt.Errorf("%w: connect or disconnect in progress", sshdevice.ErrState)
	// ErrNotReady is returned by operations that need an established session.
	ErrNotReady = fmt.Errorf("%w: session not ready", sshdevice.ErrState)
	// ErrQueueFull is returned when the pending command queue is full.
	ErrQueueFull       = errors.New("command queue full")
	ErrInvalidArgument = errors.New("invalid argument")

	errConnectAborted = errors.New("connect aborted by disconnect")
)

var _ sshdevice.Interface = (*Device)(nil)

// statusFor extends sshdevice.StatusFor with the errors local to Device.
func statusFor(err error) sshdevice.Status {
	switch {
	case errors.Is(err, ErrBusy):
		return sshdevice.StatusBusy
	case errors.Is(err, ErrQueueFull):
		return sshdevice.StatusQueueFull
	case errors.Is(err, ErrInvalidArgument):
		return sshdevice.StatusInvalidArgument
	case errors.Is(err, errConnectAborted):
		return sshdevice.StatusNotConnected
	}
	return sshdevice.StatusFor(err)
}

// Device is an SSH client session to one host. The zero value is not
// usable; create devices with NewDevice. All methods are safe for
// concurrent use, and the output callback may call back into the Device.
type Device struct {
	id      uuid.UUID
	opts    options
	base    *zap.Logger
	log     *zap.Logger
	metrics *metrics.Metrics

	callback atomic.Pointer[sshdevice.OutputCallback]
	tap      atomic.Pointer[promptWaiter]
	runMu    sync.Mutex

	mu      sync.Mutex
	state   State
	host    string
	port    uint16
	user    string
	sess    *session
	abort   context.CancelFunc
	aborted bool
	lastErr error
}

// NewDevice returns a disconnected device.
func NewDevice(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New()
	base := logger.OrNop(o.logger).With(zap.String("device_id", id.String()))
	d := &Device{
		id:      id,
		opts:    o,
		base:    base,
		log:     base.Named("device"),
		metrics: o.metrics,
	}
	d.metrics.SetState("", StateDisconnected.String())
	return d
}

// Connect establishes the session and starts the shell. It returns
// StatusOK once the device is Ready, immediately if it already is.
// Failures leave the device Failed; the cause is available from LastError.
func (d *Device) Connect(host string, port uint16, user, password string) sshdevice.Status {
	return statusFor(d.ConnectContext(context.Background(), host, port, user, password))
}

// ConnectContext is Connect with a context and an error result. The whole
// handshake is bounded by the connect timeout as well as by ctx.
func (d *Device) ConnectContext(ctx context.Context, host string, port uint16, user, password string) error {
	if host == "" || user == "" {
		return fmt.Errorf("%w: host and user are required", ErrInvalidArgument)
	}
	if port == 0 {
		port = DefaultPort
	}
	if _, err := dispatch.ParsePolicy(string(d.opts.policy)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if _, err := dispatch.NewDecoder(d.opts.charset); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	d.mu.Lock()
	switch {
	case d.state == StateReady:
		d.mu.Unlock()
		return nil
	case d.state.connecting(), d.state == StateClosing:
		d.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.connectTimeout)
	defer cancel()
	d.abort = cancel
	d.aborted = false
	d.host, d.port, d.user = host, port, user
	d.lastErr = nil
	d.setStateLocked(StateConnecting)
	d.mu.Unlock()

	start := time.Now()
	sess, err := d.establish(ctx, host, port, user, password)

	d.mu.Lock()
	d.abort = nil
	if err == nil && (d.aborted || sess.ended) {
		err = sess.endErr
		if d.aborted {
			err = errConnectAborted
		}
		d.mu.Unlock()
		sess.abort()
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	if err != nil {
		next := StateFailed
		if d.aborted {
			next = StateDisconnected
			if !errors.Is(err, errConnectAborted) {
				err = fmt.Errorf("%w: %w", errConnectAborted, err)
			}
		}
		d.lastErr = err
		d.setStateLocked(next)
		d.metrics.RecordConnect(statusFor(err).String())
		d.log.Warn("connect failed",
			zap.String("host", host),
			zap.Uint16("port", port),
			zap.String("user", user),
			zap.Stringer("status", statusFor(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}

	d.sess = sess
	d.setStateLocked(StateReady)
	sess.run()
	d.metrics.RecordConnect(sshdevice.StatusOK.String())
	d.log.Info("connected",
		zap.String("host", host),
		zap.Uint16("port", port),
		zap.String("user", user),
		zap.String("auth_method", sess.authMethod),
		zap.Stringer("algorithms", sess.t.Algorithms()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Disconnect closes the session. While a Connect is in progress it aborts
// it. It returns StatusNotConnected when there is nothing to close, so it
// is safe to call any number of times. A Failed device moves to
// Disconnected and keeps its LastError.
func (d *Device) Disconnect() sshdevice.Status {
	d.mu.Lock()
	switch {
	case d.state.connecting():
		d.aborted = true
		if d.abort != nil {
			d.abort()
		}
		d.mu.Unlock()
		d.log.Info("aborting connect")
		return sshdevice.StatusOK
	case d.state == StateFailed:
		d.setStateLocked(StateDisconnected)
		d.mu.Unlock()
		return sshdevice.StatusNotConnected
	case d.state != StateReady:
		d.mu.Unlock()
		return sshdevice.StatusNotConnected
	}
	s := d.sess
	d.setStateLocked(StateClosing)
	d.mu.Unlock()

	err := s.close()

	d.mu.Lock()
	if d.sess == s {
		d.sess = nil
		d.setStateLocked(StateDisconnected)
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Debug("disconnect", zap.Error(err))
	}
	d.log.Info("disconnected")
	return sshdevice.StatusOK
}

// SendCommand queues command for the shell. The text is written as is, so
// include the line terminator the device expects. StatusOK means the
// command was accepted; commands are written in submission order.
func (d *Device) SendCommand(command string) sshdevice.Status {
	_, err := d.submit(command)
	return statusFor(err)
}

func (d *Device) submit(command string) (*session, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	d.mu.Lock()
	s, state := d.sess, d.state
	d.mu.Unlock()
	if state != StateReady || s == nil {
		return nil, ErrNotReady
	}
	select {
	case s.queue <- command:
		return s, nil
	default:
		return nil, ErrQueueFull
	}
}

// SetOutputCallback registers the function receiving session output,
// replacing the previous one. nil stops delivery.
func (d *Device) SetOutputCallback(cb sshdevice.OutputCallback) {
	if cb == nil {
		d.callback.Store(nil)
		return
	}
	d.callback.Store(&cb)
}

func (d *Device) deliver(text string) {
	if w := d.tap.Load(); w != nil {
		w.feed(text)
	}
	if cb := d.callback.Load(); cb != nil {
		(*cb)(text)
	}
}

// ParseData looks for DHCP lease information in data and reports every
// lease found through the output callback, as three labelled lines. While
// connected the lines are queued behind the session output.
func (d *Device) ParseData(data string) {
	leases := parser.ParseDHCPLeases(data)
	if len(leases) == 0 {
		return
	}
	d.mu.Lock()
	s := d.sess
	d.mu.Unlock()

	for _, l := range leases {
		d.log.Debug("lease found", zap.Stringer("lease", l))
		for _, line := range l.Lines() {
			if s != nil {
				s.disp.Enqueue(line)
			} else {
				d.deliverNow(line)
			}
		}
	}
}

func (d *Device) deliverNow(text string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(d.log, rec)
		}
	}()
	d.deliver(text)
}

// ID returns the instance identifier.
func (d *Device) ID() string { return d.id.String() }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastError returns why the last session failed or ended, or nil.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// String identifies the device by its instance id and the target of the
// last Connect. It does not change while a session comes and goes; see
// State and Info for the lifecycle.
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.host == "" {
		return fmt.Sprintf("SSHClientDevice[%s]", d.id)
	}
	addr := net.JoinHostPort(d.host, strconv.Itoa(int(d.port)))
	return fmt.Sprintf("SSHClientDevice[%s] %s@%s", d.id, d.user, addr)
}

// HashCode returns a hash of the instance identifier. It never changes for
// the lifetime of the Device.
func (d *Device) HashCode() int32 {
	h := xxhash.Sum64String(d.id.String())
	return int32(uint32(h) ^ uint32(h>>32))
}

func (d *Device) setStateLocked(to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.metrics.SetState(from.String(), to.String())
	d.log.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
}

// advance moves a connecting device to the next handshake stage.
func (d *Device) advance(to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.connecting() {
		d.setStateLocked(to)
	}
}

// beginClose marks a Ready device as Closing on behalf of s.
func (d *Device) beginClose(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == s && d.state == StateReady {
		d.setStateLocked(StateClosing)
	}
}

// sessionEnded records the end of s. A session that ends before Connect
// installed it is flagged so Connect reports the failure.
func (d *Device) sessionEnded(s *session, state State, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess != s {
		s.ended, s.endErr = true, err
		return
	}
	d.sess = nil
	d.lastErr = err
	d.setStateLocked(state)
}
