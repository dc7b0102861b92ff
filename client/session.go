package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/auth"
	"github.com/pascal71/sshdevice-go/channel"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/transport"
	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

// session is one connection of a Device: the transport, the channel
// multiplexer, the shell channel and the goroutines serving them.
//
// The reader goroutine runs ReadPacket -> Mux.Handle -> Dispatcher and is
// the only goroutine feeding the dispatcher. The writer goroutine drains
// the command queue into the shell channel. A watcher notices the server
// closing the shell.
type session struct {
	dev        *Device
	log        *zap.Logger
	addr       string
	user       string
	authMethod string

	t     *transport.Transport
	mux   *channel.Mux
	shell *channel.Channel
	disp  *dispatch.Dispatcher
	queue chan string

	ctx        context.Context
	cancel     context.CancelFunc
	g          *errgroup.Group
	readerDone chan struct{}
	closing    atomic.Bool

	// Guarded by dev.mu.
	ended  bool
	endErr error
}

// establish dials, negotiates, authenticates and opens the shell. On
// failure nothing is left running.
func (d *Device) establish(ctx context.Context, host string, port uint16, user, password string) (*session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, &transport.NegotiationError{Stage: "hostkey", Err: err}
	}

	conn, err := d.opts.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, d.connectErr(ctx, addr, fmt.Errorf("SSH dial failed: %w: %w", sshdevice.ErrNetwork, err))
	}
	// A handshake blocked in a read only returns once the connection closes.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	t, err := transport.Negotiate(conn, addr, transport.Config{
		Algorithms:      d.opts.algorithms,
		HostKeyCallback: hostKeyCallback,
		ClientVersion:   d.opts.clientVersion,
		RekeyBytes:      d.opts.rekeyBytes,
		RekeyInterval:   d.opts.rekeyInterval,
		Logger:          d.base,
		Metrics:         d.metrics,
	})
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, d.connectErr(ctx, addr, err)
	}
	d.advance(StateAuthenticating)

	a := &auth.Authenticator{
		Methods:     d.authMethods(password),
		MaxAttempts: d.opts.maxAuthAttempts,
		Banner:      d.opts.banner,
		Logger:      d.base,
		Metrics:     d.metrics,
	}
	res, err := a.Authenticate(ctx, t, user)
	if err != nil {
		stop()
		_ = t.Close()
		return nil, d.connectErr(ctx, addr, err)
	}

	s, err := d.newSession(t, addr, user, res.Method)
	if err != nil {
		stop()
		_ = t.Close()
		return nil, err
	}
	if err := s.open(ctx); err != nil {
		stop()
		s.abort()
		return nil, d.connectErr(ctx, addr, err)
	}
	if !stop() {
		s.abort()
		return nil, d.connectErr(ctx, addr, ctx.Err())
	}
	return s, nil
}

func (d *Device) connectErr(ctx context.Context, addr string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("connect to %s: %w after %s: %w", addr, sshdevice.ErrTimeout, d.opts.connectTimeout, err)
	case ctx.Err() != nil && !errors.Is(err, ctx.Err()):
		return fmt.Errorf("connect to %s: %w: %w", addr, ctx.Err(), err)
	}
	return fmt.Errorf("connect to %s: %w", addr, err)
}

func (d *Device) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case d.opts.hostKeyCallback != nil:
		return d.opts.hostKeyCallback, nil
	case d.opts.insecure:
		d.log.Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path, err := homedir.Expand(d.opts.knownHosts)
	if err != nil {
		return nil, fmt.Errorf("known hosts %q: %w", d.opts.knownHosts, err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	return cb, nil
}

// authMethods returns the methods in preference order. Each method gets
// its own copy of the password, wiped once authentication ends.
func (d *Device) authMethods(password string) []auth.Method {
	var methods []auth.Method
	if len(d.opts.signers) > 0 {
		methods = append(methods, auth.PublicKeys(d.opts.signers...))
	}
	if password != "" {
		methods = append(methods,
			auth.KeyboardInteractivePassword([]byte(password)),
			auth.Password([]byte(password)))
	}
	return methods
}

// newSession starts the reader. Channels can be opened once it returns.
func (d *Device) newSession(t *transport.Transport, addr, user, method string) (*session, error) {
	disp, err := dispatch.New(d.deliver, dispatch.Config{
		Policy:  d.opts.policy,
		Charset: d.opts.charset,
		Logger:  d.base,
		Metrics: d.metrics,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s := &session{
		dev:        d,
		log:        d.log.With(zap.String("addr", addr)),
		addr:       addr,
		user:       user,
		authMethod: method,
		t:          t,
		disp:       disp,
		queue:      make(chan string, d.opts.queueSize),
		ctx:        gctx,
		cancel:     cancel,
		g:          g,
		readerDone: make(chan struct{}),
	}
	s.mux = channel.NewMux(t, channel.Config{WindowSize: d.opts.windowSize, Logger: d.base})
	g.Go(s.readLoop)
	return s, nil
}

// open starts the interactive shell.
func (s *session) open(ctx context.Context) error {
	ch, err := s.mux.Open(ctx, channel.SessionType, nil, s.disp)
	if err != nil {
		return fmt.Errorf("open shell channel: %w", err)
	}
	s.shell = ch
	if p := s.dev.opts.pty; p != nil {
		if err := ch.RequestPty(ctx, *p); err != nil {
			return err
		}
	}
	return ch.Shell(ctx)
}

// run starts the goroutines serving a Ready session.
func (s *session) run() {
	s.g.Go(s.writeLoop)
	s.g.Go(s.watchShell)
}

func (s *session) readLoop() error {
	defer close(s.readerDone)
	for {
		p, err := s.t.ReadPacket()
		if err == nil {
			err = s.mux.Handle(p)
			if errors.Is(err, channel.ErrUnexpectedMessage) {
				s.log.Debug("unhandled message", zap.String("message", wire.Name(p)))
				err = s.t.SendUnimplemented()
			}
			if err == nil {
				continue
			}
		}
		s.mux.Teardown(err)
		s.fail(err)
		return err
	}
}

// fail ends the session after the reader stopped. Runs on the reader
// goroutine.
func (s *session) fail(err error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if errors.Is(err, sshdevice.ErrPeerClosed) {
		s.log.Info("session closed by peer", zap.Error(err))
		s.dev.beginClose(s)
		s.disp.Close()
		_ = s.t.Close()
		s.dev.sessionEnded(s, StateDisconnected, err)
		return
	}
	// No delivery may follow a corrupted or broken stream.
	s.disp.Stop()
	_ = s.t.Close()
	s.log.Error("session failed", zap.Error(err))
	s.dev.sessionEnded(s, StateFailed, err)
}

func (s *session) writeLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case cmd := <-s.queue:
			if _, err := s.shell.Write(s.ctx, []byte(cmd)); err != nil {
				if s.ctx.Err() == nil {
					s.log.Warn("commands not sent",
						zap.Int("bytes", len(cmd)),
						zap.Int("commands", 1+len(s.queue)),
						zap.Error(err))
				}
				return nil
			}
			s.dev.metrics.RecordCommand()
			s.log.Debug("command sent", zap.Int("bytes", len(cmd)))
		}
	}
}

// watchShell turns the server closing the shell into an orderly
// disconnect.
func (s *session) watchShell() error {
	select {
	case <-s.ctx.Done():
		return nil
	case <-s.shell.Done():
	}
	if !s.shell.ClosedByPeer() || !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	status, _ := s.shell.ExitStatus()
	s.log.Info("shell closed by peer", zap.Uint32("exit_status", status))
	s.dev.beginClose(s)

	if err := s.t.Disconnect(wire.DisconnectByApplication, "shell closed"); err != nil {
		s.log.Debug("disconnect", zap.Error(err))
	}
	<-s.readerDone
	s.disp.Close()
	s.cancel()
	s.dev.sessionEnded(s, StateDisconnected, fmt.Errorf("shell channel: %w", sshdevice.ErrPeerClosed))
	return nil
}

// close is the local, orderly shutdown: close the shell, give the server a
// moment to confirm, send DISCONNECT, then let pending output drain.
func (s *session) close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := s.shell.Close()
	timer := time.NewTimer(s.dev.opts.closeTimeout)
	select {
	case <-s.shell.Done():
	case <-timer.C:
		s.log.Warn("server did not confirm channel close", zap.Duration("timeout", s.dev.opts.closeTimeout))
	}
	timer.Stop()

	s.cancel()
	err = multierr.Append(err, s.t.Disconnect(wire.DisconnectByApplication, "disconnected by user"))
	<-s.readerDone
	s.disp.Close()
	if gerr := s.g.Wait(); gerr != nil && !errors.Is(gerr, sshdevice.ErrNetwork) {
		err = multierr.Append(err, gerr)
	}
	return err
}

// abort tears down a session that never became Ready.
func (s *session) abort() {
	s.closing.Store(true)
	s.cancel()
	_ = s.t.Close()
	<-s.readerDone
	s.disp.Stop()
}

// Info describes the current session.
type Info struct {
	ID                 string
	Host               string
	Port               uint16
	User               string
	State              State
	ServerVersion      string
	HostKeyFingerprint string
	Algorithms         transport.NegotiatedAlgorithms
	AuthMethod         string
	KeyExchanges       int
	BytesIn            uint64
	BytesOut           uint64
	OpenChannels       int
}

// Info returns identity and, while connected, transport details.
func (d *Device) Info() Info {
	d.mu.Lock()
	info := Info{ID: d.id.String(), Host: d.host, Port: d.port, User: d.user, State: d.state}
	s := d.sess
	d.mu.Unlock()

	if s == nil {
		return info
	}
	info.ServerVersion = s.t.ServerVersion()
	if k := s.t.HostKey(); k != nil {
		info.HostKeyFingerprint = ssh.FingerprintSHA256(k)
	}
	info.Algorithms = s.t.Algorithms()
	info.AuthMethod = s.authMethod
	info.KeyExchanges = s.t.KexCount()
	info.BytesIn, info.BytesOut = s.t.BytesTransferred()
	info.OpenChannels = s.mux.Channels()
	return info
}
