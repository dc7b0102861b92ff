package config

import (
	"github.com/pascal71/sshdevice-go/auth"
	"github.com/pascal71/sshdevice-go/channel"
	"github.com/pascal71/sshdevice-go/client"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/transport"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Explicit settings are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = client.DefaultPort
	}
	if cfg.KnownHosts == "" {
		cfg.KnownHosts = client.DefaultKnownHosts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = Duration(client.DefaultConnectTimeout)
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = Duration(client.DefaultCloseTimeout)
	}
	if cfg.MaxAuthAttempts == 0 {
		cfg.MaxAuthAttempts = auth.DefaultMaxAttempts
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = client.DefaultQueueSize
	}
	applyRekeyDefaults(&cfg.Rekey)
	applyPtyDefaults(&cfg.Pty)
	applyOutputDefaults(&cfg.Output)
	applyLoggingDefaults(&cfg.Logging)
}

func applyRekeyDefaults(cfg *RekeyConfig) {
	if cfg.Bytes == 0 {
		cfg.Bytes = transport.DefaultRekeyBytes
	}
	if cfg.Interval == 0 {
		cfg.Interval = Duration(transport.DefaultRekeyInterval)
	}
}

func applyPtyDefaults(cfg *PtyConfig) {
	def := channel.DefaultPty()
	if cfg.Term == "" {
		cfg.Term = def.Term
	}
	if cfg.Cols == 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows == 0 {
		cfg.Rows = def.Rows
	}
}

func applyOutputDefaults(cfg *OutputConfig) {
	if cfg.Policy == "" {
		cfg.Policy = string(dispatch.PolicyChunk)
	}
	if cfg.Charset == "" {
		cfg.Charset = dispatch.DefaultCharset
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = logger.InfoLogLevel
	}
	if cfg.Format == "" {
		cfg.Format = logger.FormatConsole
	}
}
