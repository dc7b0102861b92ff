package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/client"
	"github.com/pascal71/sshdevice-go/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// target is where a device session goes.
type target struct {
	host string
	port uint16
	user string
}

// connFlags are shared by the commands that open a session.
type connFlags struct {
	user       string
	port       uint16
	identities []string
	insecure   bool
	knownHosts string
	retries    uint64
	timeout    time.Duration
}

func (f *connFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.user, "user", "u", "", "login name (overrides user@ in HOST)")
	fs.Uint16VarP(&f.port, "port", "p", 0, "SSH port (overrides :PORT in HOST)")
	fs.StringSliceVarP(&f.identities, "identity", "i", nil, "private key file for public-key authentication")
	fs.BoolVar(&f.insecure, "insecure", false, "accept any host key")
	fs.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file")
	fs.Uint64Var(&f.retries, "retries", 2, "connect retries after network errors and timeouts")
	fs.DurationVar(&f.timeout, "timeout", 0, "connect timeout")
}

// parseTarget splits [user@]host[:port], filling gaps from cfg.
func parseTarget(arg string, cfg *config.Config) (target, error) {
	t := target{host: cfg.Host, port: cfg.Port, user: cfg.User}
	if arg == "" {
		if t.host == "" {
			return t, errors.New("no host given")
		}
		return t, nil
	}
	if i := strings.LastIndex(arg, "@"); i >= 0 {
		t.user, arg = arg[:i], arg[i+1:]
	}
	t.host = arg
	if h, p, err := net.SplitHostPort(arg); err == nil {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return t, fmt.Errorf("invalid port %q", p)
		}
		t.host, t.port = h, uint16(port)
	}
	t.host = strings.TrimSuffix(strings.TrimPrefix(t.host, "["), "]")
	if t.host == "" {
		return t, errors.New("no host given")
	}
	return t, nil
}

// applyConnFlags overlays the command line on the loaded configuration.
func applyConnFlags(cfg *config.Config, f *connFlags) {
	if len(f.identities) > 0 {
		cfg.IdentityFiles = f.identities
	}
	if f.insecure {
		cfg.InsecureIgnoreHostKey = true
	}
	if f.knownHosts != "" {
		cfg.KnownHosts = f.knownHosts
	}
	if f.timeout > 0 {
		cfg.ConnectTimeout = config.Duration(f.timeout)
	}
}

func resolveTarget(args []string, f *connFlags) (target, error) {
	var arg string
	if len(args) > 0 {
		arg = args[0]
	}
	t, err := parseTarget(arg, env.cfg)
	if err != nil {
		return t, err
	}
	if f.user != "" {
		t.user = f.user
	}
	if f.port != 0 {
		t.port = f.port
	}
	if t.user == "" {
		t.user = os.Getenv("USER")
	}
	return t, nil
}

// openDevice builds a Device from the configuration and connects it,
// retrying while the failure looks transient.
func openDevice(ctx context.Context, t target, f *connFlags, out sshdevice.OutputCallback) (*client.Device, error) {
	applyConnFlags(env.cfg, f)
	opts, err := env.cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		client.WithLogger(env.log),
		client.WithMetrics(env.metrics),
		client.WithBanner(func(msg string) { fmt.Fprint(os.Stderr, msg) }))

	password := env.cfg.Password
	if password == "" && len(env.cfg.IdentityFiles) == 0 {
		if password, err = promptPassword(fmt.Sprintf("%s@%s's password: ", t.user, t.host)); err != nil {
			return nil, err
		}
	}

	dev := client.NewDevice(opts...)
	dev.SetOutputCallback(out)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)

	op := func() error {
		err := dev.ConnectContext(ctx, t.host, t.port, t.user, password)
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		env.log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return dev, nil
}

func retryable(err error) bool {
	return errors.Is(err, sshdevice.ErrNetwork) || errors.Is(err, sshdevice.ErrTimeout)
}

// promptPassword reads a password without echo, or a plain line when stdin
// is not a terminal.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
