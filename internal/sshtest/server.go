// Package sshtest runs an in-process SSH server built on
// golang.org/x/crypto/ssh for exercising the client end to end.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultUser     = "admin"
	DefaultPassword = "secret"
	DefaultPrompt   = "device> "
	Greeting        = "Welcome to sshtest\r\n"

	// LeaseOutput mimics `ipconfig /all` on a controller with one DHCP
	// adapter and one static adapter.
	LeaseOutput = "Ethernet adapter LAN:\r\n" +
		"   DHCP Enabled. . . . . . . . . : ON\r\n" +
		"   IP Address. . . . . . . . . . : 10.1.2.3\r\n" +
		"   Subnet Mask . . . . . . . . . : 255.255.255.0\r\n" +
		"   DHCP Server . . . . . . . . . : 10.1.2.1\r\n" +
		"   Lease Obtained. . . . . . . . : Mon Oct 12 08:00:00 2026\r\n" +
		"   Lease Expires On. . . . . . . : Tue Oct 13 08:00:00 2026\r\n" +
		"Ethernet adapter CONTROL:\r\n" +
		"   DHCP Enabled. . . . . . . . . : OFF\r\n" +
		"   IP Address. . . . . . . . . . : 192.168.50.10\r\n"

	// UTF8Text contains two- and three-byte sequences.
	UTF8Text = "température ≥ 21°C, état: prêt €\r\n"
)

// Blob returns n bytes of printable, deterministic data.
func Blob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return b
}

// Options configures a Server. Zero values select the defaults.
type Options struct {
	User     string
	Password string

	// DisablePassword removes the password method.
	DisablePassword bool
	// KeyboardInteractive enables keyboard-interactive, answered with the
	// password to a single "Password: " prompt.
	KeyboardInteractive bool
	// AuthorizedKey enables public-key auth for this key.
	AuthorizedKey ssh.PublicKey

	Banner       string
	MaxAuthTries int

	KeyExchanges []string
	Ciphers      []string
	MACs         []string

	// RekeyThreshold makes the server start key exchanges on its own.
	RekeyThreshold uint64

	HostKey ssh.Signer
	Prompt  string
}

// Server is a scripted SSH server listening on 127.0.0.1.
type Server struct {
	Addr    string
	Host    string
	Port    uint16
	HostKey ssh.Signer

	opts Options
	cfg  *ssh.ServerConfig
	ln   net.Listener
	tb   testing.TB

	passwordAttempts atomic.Int32
	kbdAttempts      atomic.Int32
	pubkeyAttempts   atomic.Int32

	mu         sync.Mutex
	shellInput bytes.Buffer
	lines      []string
	execs      []string

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Start launches a server and registers its shutdown with tb.Cleanup.
func Start(tb testing.TB, opts Options) *Server {
	tb.Helper()
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}

	s := &Server{opts: opts, tb: tb, conns: make(map[net.Conn]struct{})}
	s.HostKey = opts.HostKey
	if s.HostKey == nil {
		s.HostKey = NewSigner(tb)
	}
	s.cfg = s.serverConfig()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("sshtest: listen: %v", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.ParseUint(port, 10, 16)
	s.Host, s.Port = host, uint16(p)

	s.wg.Add(1)
	go s.acceptLoop()
	tb.Cleanup(s.Close)
	return s
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner(tb testing.TB) ssh.Signer {
	tb.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("sshtest: generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		tb.Fatalf("sshtest: signer: %v", err)
	}
	return signer
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{MaxAuthTries: s.opts.MaxAuthTries}
	cfg.KeyExchanges = s.opts.KeyExchanges
	cfg.Ciphers = s.opts.Ciphers
	cfg.MACs = s.opts.MACs
	cfg.RekeyThreshold = s.opts.RekeyThreshold

	if !s.opts.DisablePassword {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			s.passwordAttempts.Add(1)
			if c.User() == s.opts.User && string(pass) == s.opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	if s.opts.KeyboardInteractive {
		cfg.KeyboardInteractiveCallback = func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			s.kbdAttempts.Add(1)
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if c.User() == s.opts.User && len(answers) == 1 && answers[0] == s.opts.Password {
				return nil, nil
			}
			return nil, errors.New("keyboard-interactive rejected")
		}
	}
	if s.opts.AuthorizedKey != nil {
		want := s.opts.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.pubkeyAttempts.Add(1)
			if c.User() == s.opts.User && bytes.Equal(key.Marshal(), want) {
				return nil, nil
			}
			return nil, errors.New("public key rejected")
		}
	}
	if s.opts.Banner != "" {
		cfg.BannerCallback = func(ssh.ConnMetadata) string { return s.opts.Banner }
	}
	cfg.AddHostKey(s.HostKey)
	return cfg
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connMu.Lock()
		s.conns[nc] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
			s.connMu.Lock()
			delete(s.conns, nc)
			s.connMu.Unlock()
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		s.tb.Logf("sshtest: handshake: %v", err)
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go s.runShell(ch)
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go s.runExec(ch, msg.Command)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runShell(ch ssh.Channel) {
	_, _ = io.WriteString(ch, Greeting+s.opts.Prompt)

	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.shellInput.Write(buf[:n])
			s.mu.Unlock()
		}
		for _, b := range buf[:n] {
			if b != '\n' {
				line = append(line, b)
				continue
			}
			cmd := strings.TrimRight(string(line), "\r")
			line = line[:0]
			s.mu.Lock()
			s.lines = append(s.lines, cmd)
			s.mu.Unlock()
			if s.respond(ch, cmd) {
				exit(ch, 0)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// respond writes the shell's answer to cmd and reports whether the shell
// should exit.
func (s *Server) respond(w io.Writer, cmd string) bool {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) == 0:
	case fields[0] == "exit":
		_, _ = io.WriteString(w, "bye\r\n")
		return true
	case fields[0] == "blob" && len(fields) == 2:
		n, _ := strconv.Atoi(fields[1])
		_, _ = w.Write(Blob(n))
		_, _ = io.WriteString(w, "\r\n")
	case fields[0] == "lease":
		_, _ = io.WriteString(w, LeaseOutput)
	case fields[0] == "utf8":
		_, _ = io.WriteString(w, UTF8Text)
	default:
		_, _ = io.WriteString(w, "echo: "+cmd+"\r\n")
	}
	_, _ = io.WriteString(w, s.opts.Prompt)
	return false
}

func (s *Server) runExec(ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.execs = append(s.execs, cmd)
	s.mu.Unlock()

	fields := strings.Fields(cmd)
	status := uint32(0)
	switch {
	case len(fields) > 0 && fields[0] == "echo":
		_, _ = io.WriteString(ch, strings.Join(fields[1:], " ")+"\n")
	case len(fields) > 0 && fields[0] == "stderr":
		_, _ = io.WriteString(ch.Stderr(), strings.Join(fields[1:], " ")+"\n")
		status = 2
	case cmd == "lease":
		_, _ = io.WriteString(ch, LeaseOutput)
	case cmd == "false":
		status = 1
	default:
		_, _ = io.WriteString(ch, "unknown command: "+cmd+"\n")
		status = 127
	}
	exit(ch, status)
}

func exit(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = ch.Close()
}

// Close stops the listener, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.connMu.Lock()
	for nc := range s.conns {
		_ = nc.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// ConnCount returns the number of connections still being served.
func (s *Server) ConnCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) PasswordAttempts() int { return int(s.passwordAttempts.Load()) }
func (s *Server) KeyboardAttempts() int { return int(s.kbdAttempts.Load()) }
func (s *Server) PublicKeyAttempts() int { return int(s.pubkeyAttempts.Load()) }

// ShellInput returns every byte received on shell channels.
func (s *Server) ShellInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellInput.String()
}

// Lines returns the complete lines received on shell channels.
func (s *Server) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Execs returns the commands received through exec requests.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}
