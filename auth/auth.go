// Package auth implements the client side of the ssh-userauth service
// (RFC 4252) with a bounded number of attempts.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/metrics"
	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3

	serviceUserAuth   = "ssh-userauth"
	serviceConnection = "ssh-connection"
)

// Conn is the packet stream authentication runs over; *transport.Transport
// implements it.
type Conn interface {
	ReadPacket() ([]byte, error)
	WritePacket(p []byte) error
	SessionID() []byte
}

// Authenticator authenticates one user over an established transport.
type Authenticator struct {
	// Methods in preference order. Only methods the server allows are
	// tried.
	Methods []Method

	// MaxAttempts bounds the number of rejected requests, counting every
	// public-key query and signed request on its own. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Banner, if set, receives SSH_MSG_USERAUTH_BANNER text.
	Banner func(message string)

	Rand    io.Reader
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Result describes a successful authentication.
type Result struct {
	Method   string
	Attempts int
	Banners  []string
}

// Authenticate requests the ssh-userauth service and tries the configured
// methods until one succeeds or MaxAttempts requests have been rejected.
// Secrets held by the methods are wiped before it returns. Authentication
// failures are returned as *Error; transport failures are returned as is.
func (a *Authenticator) Authenticate(ctx context.Context, c Conn, user string) (*Result, error) {
	defer a.wipe()

	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ex := &exchange{
		conn:        c,
		user:        user,
		rand:        a.Rand,
		banner:      a.Banner,
		log:         logger.OrNop(a.Logger).Named("auth"),
		metrics:     a.Metrics,
		maxAttempts: maxAttempts,
	}
	if ex.rand == nil {
		ex.rand = rand.Reader
	}

	if err := ex.requestService(); err != nil {
		return nil, err
	}

	out, err := ex.listMethods()
	if err != nil {
		return nil, err
	}
	if out.ok {
		ex.log.Info("server accepted user without authentication", zap.String("user", user))
		return &Result{Method: "none", Banners: ex.banners}, nil
	}
	allowed := out.methods
	ex.log.Debug("server authentication methods", zap.Strings("allowed", allowed))

	var (
		cursor int
		done   = make([]bool, len(a.Methods))
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("authentication interrupted: %w", err)
		}
		if ex.exhausted() {
			return nil, &Error{Kind: Exhausted, Attempts: ex.attempts, Allowed: allowed}
		}

		idx := a.next(cursor, allowed, done)
		if idx < 0 {
			kind := BadCredentials
			if ex.attempts == 0 {
				kind = MethodNotSupported
			}
			return nil, &Error{Kind: kind, Attempts: ex.attempts, Allowed: allowed}
		}
		cursor = idx + 1
		m := a.Methods[idx]

		out, err := m.auth(ctx, ex)
		if errors.Is(err, errBudgetSpent) {
			return nil, &Error{Kind: Exhausted, Attempts: ex.attempts, Allowed: allowed}
		}
		if err != nil {
			return nil, err
		}
		if len(out.methods) > 0 {
			allowed = out.methods
		}

		switch {
		case out.ok:
			ex.metrics.RecordAuthAttempt(m.Name(), true)
			ex.log.Info("authenticated",
				zap.String("user", user),
				zap.String("method", m.Name()),
				zap.Int("failed_attempts", ex.attempts))
			return &Result{Method: m.Name(), Attempts: ex.attempts + 1, Banners: ex.banners}, nil
		case out.partial:
			ex.log.Debug("partial success, more methods required",
				zap.String("method", m.Name()), zap.Strings("allowed", allowed))
			done[idx] = true
		case !m.retryable():
			done[idx] = true
		}
	}
}

// next returns the index of the first usable method at or after cursor,
// wrapping around, or -1.
func (a *Authenticator) next(cursor int, allowed []string, done []bool) int {
	n := len(a.Methods)
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		if done[idx] {
			continue
		}
		if contains(allowed, a.Methods[idx].Name()) {
			return idx
		}
	}
	return -1
}

func (a *Authenticator) wipe() {
	for _, m := range a.Methods {
		if w, ok := m.(wiper); ok {
			w.wipe()
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// outcome is the server's answer to one authentication request.
type outcome struct {
	ok      bool
	partial bool
	methods []string
}

// errBudgetSpent stops a method before it sends a request past the limit.
var errBudgetSpent = errors.New("authentication attempt limit reached")

// exchange carries the per-call state shared by the methods.
type exchange struct {
	conn    Conn
	user    string
	rand    io.Reader
	banner  func(string)
	banners []string
	log     *zap.Logger
	metrics *metrics.Metrics

	attempts    int
	maxAttempts int
}

// reject counts one rejected request.
func (ex *exchange) reject(method string) {
	ex.attempts++
	ex.metrics.RecordAuthAttempt(method, false)
	ex.log.Warn("authentication rejected",
		zap.String("user", ex.user),
		zap.String("method", method),
		zap.Int("attempt", ex.attempts),
		zap.Int("max_attempts", ex.maxAttempts))
}

func (ex *exchange) exhausted() bool { return ex.attempts >= ex.maxAttempts }

func (ex *exchange) requestService() error {
	if err := ex.conn.WritePacket(wire.Marshal(&wire.ServiceRequestMsg{Service: serviceUserAuth})); err != nil {
		return err
	}
	p, err := ex.conn.ReadPacket()
	if err != nil {
		return err
	}
	var accept wire.ServiceAcceptMsg
	if err := wire.Unmarshal(p, &accept); err != nil {
		return protocolErr("expected service accept: %v", err)
	}
	if accept.Service != serviceUserAuth {
		return protocolErr("server accepted service %q", accept.Service)
	}
	return nil
}

// listMethods sends the "none" request to learn the allowed methods.
func (ex *exchange) listMethods() (outcome, error) {
	if err := ex.send("none", nil); err != nil {
		return outcome{}, err
	}
	p, err := ex.read()
	if err != nil {
		return outcome{}, err
	}
	return parseOutcome(p)
}

// send writes a USERAUTH request. Apart from the initial "none" request it
// refuses once the attempt limit is reached.
func (ex *exchange) send(method string, payload []byte) error {
	if method != "none" && ex.exhausted() {
		return errBudgetSpent
	}
	return ex.conn.WritePacket(wire.Marshal(&wire.UserAuthRequestMsg{
		User:    ex.user,
		Service: serviceConnection,
		Method:  method,
		Payload: payload,
	}))
}

// read returns the next packet that is not a banner.
func (ex *exchange) read() ([]byte, error) {
	for {
		p, err := ex.conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		if p[0] != wire.MsgUserAuthBanner {
			return p, nil
		}
		var msg wire.UserAuthBannerMsg
		if err := wire.Unmarshal(p, &msg); err != nil {
			return nil, protocolErr("%v", err)
		}
		ex.banners = append(ex.banners, msg.Message)
		if ex.banner != nil {
			ex.banner(msg.Message)
		}
	}
}

// result parses the answer to a method request, counting a rejection.
func (ex *exchange) result(method string, p []byte) (outcome, error) {
	out, err := parseOutcome(p)
	if err == nil && !out.ok && !out.partial {
		ex.reject(method)
	}
	return out, err
}

func parseOutcome(p []byte) (outcome, error) {
	switch p[0] {
	case wire.MsgUserAuthSuccess:
		return outcome{ok: true}, nil
	case wire.MsgUserAuthFailure:
		var msg wire.UserAuthFailureMsg
		if err := wire.Unmarshal(p, &msg); err != nil {
			return outcome{}, protocolErr("%v", err)
		}
		return outcome{partial: msg.PartialSuccess, methods: msg.Methods}, nil
	}
	return outcome{}, protocolErr("unexpected %s during authentication", wire.Name(p))
}
