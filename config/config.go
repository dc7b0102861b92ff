// Package config loads device connection settings from YAML files and
// SSHDEVICE_* environment variables.
//
// Configuration sources, highest precedence first:
//  1. CLI flags (applied by the caller after Load)
//  2. Environment variables (SSHDEVICE_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/transport"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SSHDEVICE"

// Duration is a time.Duration written as "15s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds everything needed to open a device session.
type Config struct {
	Host string `mapstructure:"host" yaml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port uint16 `mapstructure:"port" yaml:"port" validate:"required"`
	User string `mapstructure:"user" yaml:"user"`
	// Password is better supplied through SSHDEVICE_PASSWORD or the prompt.
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	IdentityFiles         []string `mapstructure:"identity_files" yaml:"identity_files,omitempty"`
	KnownHosts            string   `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool     `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key,omitempty"`

	ConnectTimeout  Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	CloseTimeout    Duration `mapstructure:"close_timeout" yaml:"close_timeout" validate:"gt=0"`
	MaxAuthAttempts int      `mapstructure:"max_auth_attempts" yaml:"max_auth_attempts" validate:"min=1,max=20"`
	QueueSize       int      `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`

	Algorithms AlgorithmsConfig `mapstructure:"algorithms" yaml:"algorithms,omitempty"`
	Rekey      RekeyConfig      `mapstructure:"rekey" yaml:"rekey"`
	Pty        PtyConfig        `mapstructure:"pty" yaml:"pty"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// AlgorithmsConfig overrides algorithm preferences; empty lists keep the
// built-in order.
type AlgorithmsConfig struct {
	KeyExchanges []string `mapstructure:"key_exchanges" yaml:"key_exchanges,omitempty"`
	HostKeys     []string `mapstructure:"host_keys" yaml:"host_keys,omitempty"`
	Ciphers      []string `mapstructure:"ciphers" yaml:"ciphers,omitempty"`
	MACs         []string `mapstructure:"macs" yaml:"macs,omitempty"`
}

type RekeyConfig struct {
	Bytes    uint64   `mapstructure:"bytes" yaml:"bytes"`
	Interval Duration `mapstructure:"interval" yaml:"interval"`
}

type PtyConfig struct {
	Disabled bool   `mapstructure:"disabled" yaml:"disabled,omitempty"`
	Term     string `mapstructure:"term" yaml:"term" validate:"required_unless=Disabled true"`
	Cols     uint32 `mapstructure:"cols" yaml:"cols" validate:"required_unless=Disabled true"`
	Rows     uint32 `mapstructure:"rows" yaml:"rows" validate:"required_unless=Disabled true"`
}

type OutputConfig struct {
	Policy  string `mapstructure:"policy" yaml:"policy" validate:"oneof=chunk line"`
	Charset string `mapstructure:"charset" yaml:"charset" validate:"required"`
	// Prompt is a regular expression matching the device prompt.
	Prompt string `mapstructure:"prompt" yaml:"prompt,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	// Addr is where the CLI serves /metrics; empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Load reads the configuration file at path, or the default location when
// path is empty, overlays environment variables, applies defaults and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML, creating the parent directory. The file is
// readable by its owner only, since it may hold a password.
func Save(cfg *Config, path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if err := cfg.Algorithms.transport().Validate(); err != nil {
		return fmt.Errorf("algorithms: %w", err)
	}
	if _, err := dispatch.NewDecoder(cfg.Output.Charset); err != nil {
		return fmt.Errorf("output.charset: %w", err)
	}
	return nil
}

func (a AlgorithmsConfig) transport() transport.Algorithms {
	return transport.Algorithms{
		KeyExchanges: a.KeyExchanges,
		HostKeys:     a.HostKeys,
		Ciphers:      a.Ciphers,
		MACs:         a.MACs,
	}
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if path != "" {
		if expanded, err := homedir.Expand(path); err == nil {
			path = expanded
		}
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnv registers every mapstructure key, so environment variables are
// seen by Unmarshal even when the file does not mention the key.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := time.ParseDuration(v)
			return Duration(d), err
		case int:
			return Duration(v), nil
		case int64:
			return Duration(v), nil
		case float64:
			return Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/sshdevice, falling back to
// ~/.config/sshdevice.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sshdevice")
	}
	if home, err := homedir.Dir(); err == nil {
		return filepath.Join(home, ".config", "sshdevice")
	}
	return "."
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
