package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Method is one way of proving identity.
type Method interface {
	// Name is the RFC 4252 method name.
	Name() string

	auth(ctx context.Context, ex *exchange) (outcome, error)
	// retryable reports whether the method may be tried again after a
	// rejection.
	retryable() bool
}

type wiper interface {
	wipe()
}

// Password returns the "password" method. The slice is zeroed once
// Authenticate returns.
func Password(secret []byte) Method {
	return &passwordMethod{secret: secret}
}

type passwordMethod struct {
	secret []byte
}

func (*passwordMethod) Name() string    { return "password" }
func (*passwordMethod) retryable() bool { return true }
func (m *passwordMethod) wipe()         { clear(m.secret) }

func (m *passwordMethod) auth(_ context.Context, ex *exchange) (outcome, error) {
	payload := wire.AppendBool(nil, false)
	payload = wire.AppendString(payload, m.secret)
	if err := ex.send(m.Name(), payload); err != nil {
		return outcome{}, err
	}
	p, err := ex.read()
	if err != nil {
		return outcome{}, err
	}
	// SSH_MSG_USERAUTH_PASSWD_CHANGEREQ shares number 60.
	if p[0] == wire.MsgUserAuthPubKeyOk {
		ex.reject(m.Name())
		return outcome{}, &Error{Kind: BadCredentials, Attempts: ex.attempts, Err: errors.New("server requires a password change")}
	}
	return ex.result(m.Name(), p)
}

// KeyboardInteractive returns the "keyboard-interactive" method answering
// prompts with challenge.
func KeyboardInteractive(challenge ssh.KeyboardInteractiveChallenge) Method {
	return &keyboardInteractive{challenge: challenge}
}

// KeyboardInteractivePassword answers every non-echoed prompt with secret
// and echoed prompts with an empty string. The slice is zeroed once
// Authenticate returns.
func KeyboardInteractivePassword(secret []byte) Method {
	m := &keyboardInteractive{secret: secret}
	m.challenge = func(_, _ string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			if !echos[i] {
				answers[i] = string(m.secret)
			}
		}
		return answers, nil
	}
	return m
}

type keyboardInteractive struct {
	challenge ssh.KeyboardInteractiveChallenge
	secret    []byte
}

func (*keyboardInteractive) Name() string    { return "keyboard-interactive" }
func (*keyboardInteractive) retryable() bool { return true }
func (m *keyboardInteractive) wipe()         { clear(m.secret) }

func (m *keyboardInteractive) auth(ctx context.Context, ex *exchange) (outcome, error) {
	// language tag, submethods
	payload := wire.AppendString(nil, nil)
	payload = wire.AppendString(payload, nil)
	if err := ex.send(m.Name(), payload); err != nil {
		return outcome{}, err
	}

	for {
		p, err := ex.read()
		if err != nil {
			return outcome{}, err
		}
		if p[0] != wire.MsgUserAuthInfoRequest {
			return ex.result(m.Name(), p)
		}
		if err := ctx.Err(); err != nil {
			return outcome{}, err
		}

		var req wire.UserAuthInfoRequestMsg
		if err := wire.Unmarshal(p, &req); err != nil {
			return outcome{}, protocolErr("%v", err)
		}
		prompts, echos, err := parsePrompts(req.NumPrompts, req.Prompts)
		if err != nil {
			return outcome{}, err
		}
		answers, err := m.challenge(req.Name, req.Instruction, prompts, echos)
		if err != nil {
			return outcome{}, fmt.Errorf("keyboard-interactive challenge: %w", err)
		}
		if len(answers) != len(prompts) {
			return outcome{}, fmt.Errorf("keyboard-interactive challenge returned %d answers for %d prompts", len(answers), len(prompts))
		}

		resp := []byte{wire.MsgUserAuthInfoResponse}
		resp = wire.AppendU32(resp, uint32(len(answers)))
		for _, a := range answers {
			resp = wire.AppendString(resp, []byte(a))
		}
		if err := ex.conn.WritePacket(resp); err != nil {
			return outcome{}, err
		}
	}
}

func parsePrompts(n uint32, rest []byte) ([]string, []bool, error) {
	if n > 64 {
		return nil, nil, protocolErr("server sent %d prompts", n)
	}
	prompts := make([]string, 0, n)
	echos := make([]bool, 0, n)
	for i := uint32(0); i < n; i++ {
		prompt, r, err := wire.ParseString(rest)
		if err != nil {
			return nil, nil, protocolErr("prompt %d: %v", i, err)
		}
		echo, r, err := wire.ParseBool(r)
		if err != nil {
			return nil, nil, protocolErr("prompt %d echo flag: %v", i, err)
		}
		prompts = append(prompts, string(prompt))
		echos = append(echos, echo)
		rest = r
	}
	return prompts, echos, nil
}

// PublicKeys returns the "publickey" method trying each signer in turn.
func PublicKeys(signers ...ssh.Signer) Method {
	return &publicKeys{signers: signers}
}

type publicKeys struct {
	signers []ssh.Signer
}

func (*publicKeys) Name() string    { return "publickey" }
func (*publicKeys) retryable() bool { return false }

func (m *publicKeys) auth(ctx context.Context, ex *exchange) (outcome, error) {
	last := outcome{}
	for _, signer := range m.signers {
		if err := ctx.Err(); err != nil {
			return outcome{}, err
		}
		pub := signer.PublicKey()
		algo := signatureAlgorithm(signer)
		blob := pub.Marshal()

		accepted, out, err := m.query(ex, algo, blob)
		if err != nil {
			return outcome{}, err
		}
		if !accepted {
			ex.log.Debug("server refused public key", zap.String("type", pub.Type()))
			last = out
			if out.partial || ex.exhausted() {
				return last, nil
			}
			continue
		}

		data := signedData(ex.conn.SessionID(), ex.user, algo, blob)
		sig, err := sign(signer, algo, ex, data)
		if err != nil {
			return outcome{}, fmt.Errorf("sign with %s key: %w", pub.Type(), err)
		}
		payload := wire.AppendBool(nil, true)
		payload = wire.AppendString(payload, []byte(algo))
		payload = wire.AppendString(payload, blob)
		payload = wire.AppendString(payload, ssh.Marshal(sig))
		if err := ex.send(m.Name(), payload); err != nil {
			return outcome{}, err
		}
		p, err := ex.read()
		if err != nil {
			return outcome{}, err
		}
		out, err = ex.result(m.Name(), p)
		if err != nil || out.ok || out.partial || ex.exhausted() {
			return out, err
		}
		last = out
	}
	return last, nil
}

// query asks whether the server would accept blob, without signing.
func (m *publicKeys) query(ex *exchange, algo string, blob []byte) (bool, outcome, error) {
	payload := wire.AppendBool(nil, false)
	payload = wire.AppendString(payload, []byte(algo))
	payload = wire.AppendString(payload, blob)
	if err := ex.send(m.Name(), payload); err != nil {
		return false, outcome{}, err
	}
	p, err := ex.read()
	if err != nil {
		return false, outcome{}, err
	}
	if p[0] == wire.MsgUserAuthPubKeyOk {
		return true, outcome{}, nil
	}
	out, err := ex.result(m.Name(), p)
	return false, out, err
}

// signatureAlgorithm prefers rsa-sha2-256 over ssh-rsa for RSA keys.
func signatureAlgorithm(s ssh.Signer) string {
	keyType := s.PublicKey().Type()
	if keyType == ssh.KeyAlgoRSA {
		if _, ok := s.(ssh.AlgorithmSigner); ok {
			return ssh.KeyAlgoRSASHA256
		}
	}
	return keyType
}

func sign(s ssh.Signer, algo string, ex *exchange, data []byte) (*ssh.Signature, error) {
	if as, ok := s.(ssh.AlgorithmSigner); ok && algo != s.PublicKey().Type() {
		return as.SignWithAlgorithm(ex.rand, data, algo)
	}
	return s.Sign(ex.rand, data)
}

// signedData builds the blob signed for publickey authentication
// (RFC 4252 section 7).
func signedData(sessionID []byte, user, algo string, blob []byte) []byte {
	b := wire.AppendString(nil, sessionID)
	b = append(b, wire.MsgUserAuthRequest)
	b = wire.AppendString(b, []byte(user))
	b = wire.AppendString(b, []byte(serviceConnection))
	b = wire.AppendString(b, []byte("publickey"))
	b = wire.AppendBool(b, true)
	b = wire.AppendString(b, []byte(algo))
	return wire.AppendString(b, blob)
}
