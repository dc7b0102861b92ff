package client

import (
	"context"
	"net"
	"regexp"
	"time"

	"github.com/pascal71/sshdevice-go/auth"
	"github.com/pascal71/sshdevice-go/channel"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/metrics"
	"github.com/pascal71/sshdevice-go/transport"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 15 * time.Second
	DefaultCloseTimeout   = 2 * time.Second
	DefaultQueueSize      = 1024
	DefaultKnownHosts     = "~/.ssh/known_hosts"
)

// DialFunc opens the TCP connection a session runs over.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type options struct {
	dial DialFunc

	hostKeyCallback ssh.HostKeyCallback
	knownHosts      string
	insecure        bool

	signers         []ssh.Signer
	maxAuthAttempts int
	banner          func(string)

	algorithms    transport.Algorithms
	clientVersion string
	rekeyBytes    uint64
	rekeyInterval time.Duration

	pty        *channel.Pty
	windowSize uint32

	policy  dispatch.Policy
	charset string
	prompt  *regexp.Regexp

	connectTimeout time.Duration
	closeTimeout   time.Duration
	queueSize      int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func defaultOptions() options {
	pty := channel.DefaultPty()
	var d net.Dialer
	return options{
		dial:            d.DialContext,
		knownHosts:      DefaultKnownHosts,
		maxAuthAttempts: auth.DefaultMaxAttempts,
		pty:             &pty,
		policy:          dispatch.PolicyChunk,
		charset:         dispatch.DefaultCharset,
		connectTimeout:  DefaultConnectTimeout,
		closeTimeout:    DefaultCloseTimeout,
		queueSize:       DefaultQueueSize,
	}
}

// Option configures a Device.
type Option func(*options)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// WithHostKeyCallback sets the host trust policy. It takes precedence over
// WithKnownHosts.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKeyCallback = cb }
}

// WithKnownHosts trusts the host keys listed in an OpenSSH known_hosts
// file. A leading ~ is expanded.
func WithKnownHosts(path string) Option {
	return func(o *options) { o.knownHosts = path }
}

// WithInsecureIgnoreHostKey accepts any host key. Only for lab devices.
func WithInsecureIgnoreHostKey() Option {
	return func(o *options) { o.insecure = true }
}

// WithSigners enables public-key authentication, tried before the password.
func WithSigners(signers ...ssh.Signer) Option {
	return func(o *options) { o.signers = append(o.signers, signers...) }
}

// WithMaxAuthAttempts bounds the number of rejected authentication requests.
func WithMaxAuthAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAuthAttempts = n
		}
	}
}

// WithBanner receives the server's pre-authentication banner.
func WithBanner(fn func(message string)) Option {
	return func(o *options) { o.banner = fn }
}

// WithAlgorithms sets the algorithm preferences; empty lists keep defaults.
func WithAlgorithms(a transport.Algorithms) Option {
	return func(o *options) { o.algorithms = a }
}

// WithClientVersion sets the identification string sent to the server.
func WithClientVersion(v string) Option {
	return func(o *options) { o.clientVersion = v }
}

// WithRekey sets the data and time limits after which keys are renewed.
// Zero keeps the default.
func WithRekey(bytes uint64, interval time.Duration) Option {
	return func(o *options) {
		o.rekeyBytes = bytes
		o.rekeyInterval = interval
	}
}

// WithPty sets the pseudo-terminal requested for the shell.
func WithPty(p channel.Pty) Option {
	return func(o *options) { o.pty = &p }
}

// WithoutPty starts the shell without a pseudo-terminal.
func WithoutPty() Option {
	return func(o *options) { o.pty = nil }
}

// WithWindowSize sets the receive window advertised for channels.
func WithWindowSize(n uint32) Option {
	return func(o *options) { o.windowSize = n }
}

// WithPolicy sets how output is cut into callback deliveries.
func WithPolicy(p dispatch.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCharset sets the IANA charset the device writes in.
func WithCharset(name string) Option {
	return func(o *options) { o.charset = name }
}

// WithPrompt sets the pattern RunCommand waits for.
func WithPrompt(re *regexp.Regexp) Option {
	return func(o *options) { o.prompt = re }
}

// WithConnectTimeout bounds negotiation, authentication and channel setup.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithCloseTimeout bounds the wait for the server to confirm the shell
// channel close on Disconnect.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

// WithQueueSize sets the capacity of the pending command queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
