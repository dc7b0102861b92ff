package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pascal71/sshdevice-go/channel"
	"github.com/pascal71/sshdevice-go/client"
	"github.com/pascal71/sshdevice-go/dispatch"
	"golang.org/x/crypto/ssh"
)

// ClientOptions translates cfg into Device options. Identity files are
// read and parsed here, so a bad key fails before any connection is made.
func (cfg *Config) ClientOptions() ([]client.Option, error) {
	opts := []client.Option{
		client.WithConnectTimeout(time.Duration(cfg.ConnectTimeout)),
		client.WithCloseTimeout(time.Duration(cfg.CloseTimeout)),
		client.WithMaxAuthAttempts(cfg.MaxAuthAttempts),
		client.WithQueueSize(cfg.QueueSize),
		client.WithRekey(cfg.Rekey.Bytes, time.Duration(cfg.Rekey.Interval)),
		client.WithPolicy(dispatch.Policy(cfg.Output.Policy)),
		client.WithCharset(cfg.Output.Charset),
		client.WithAlgorithms(cfg.Algorithms.transport()),
	}

	if cfg.InsecureIgnoreHostKey {
		opts = append(opts, client.WithInsecureIgnoreHostKey())
	} else {
		opts = append(opts, client.WithKnownHosts(cfg.KnownHosts))
	}

	if cfg.Pty.Disabled {
		opts = append(opts, client.WithoutPty())
	} else {
		pty := channel.DefaultPty()
		pty.Term, pty.Cols, pty.Rows = cfg.Pty.Term, cfg.Pty.Cols, cfg.Pty.Rows
		opts = append(opts, client.WithPty(pty))
	}

	if cfg.Output.Prompt != "" {
		re, err := regexp.Compile(cfg.Output.Prompt)
		if err != nil {
			return nil, fmt.Errorf("output.prompt: %w", err)
		}
		opts = append(opts, client.WithPrompt(re))
	}

	signers, err := LoadSigners(cfg.IdentityFiles)
	if err != nil {
		return nil, err
	}
	if len(signers) > 0 {
		opts = append(opts, client.WithSigners(signers...))
	}
	return opts, nil
}

// LoadSigners parses unencrypted private keys in OpenSSH, PKCS#1, PKCS#8
// or SEC1 PEM form.
func LoadSigners(paths []string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		path, err := homedir.Expand(p)
		if err != nil {
			return nil, fmt.Errorf("identity file %q: %w", p, err)
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
