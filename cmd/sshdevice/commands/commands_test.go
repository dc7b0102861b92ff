package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pascal71/sshdevice-go/client"
	"github.com/pascal71/sshdevice-go/config"
	"github.com/pascal71/sshdevice-go/internal/sshtest"
	"github.com/pascal71/sshdevice-go/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI with an empty configuration file.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, nil, 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	teardown()
	return out.String(), err
}

func TestParseTarget(t *testing.T) {
	cfg := config.Default()
	cfg.User = "admin"

	tests := []struct {
		arg  string
		want target
	}{
		{"switch1", target{host: "switch1", port: 22, user: "admin"}},
		{"ops@switch1", target{host: "switch1", port: 22, user: "ops"}},
		{"ops@10.0.0.1:2222", target{host: "10.0.0.1", port: 2222, user: "ops"}},
		{"[fe80::1]:22", target{host: "fe80::1", port: 22, user: "admin"}},
		{"[fe80::1]", target{host: "fe80::1", port: 22, user: "admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseTarget(tt.arg, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseTarget("", cfg)
	assert.Error(t, err)
	_, err = parseTarget("host:99999", cfg)
	assert.Error(t, err)

	cfg.Host = "core1"
	got, err := parseTarget("", cfg)
	require.NoError(t, err)
	assert.Equal(t, "core1", got.host)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "sshdevice dev (commit: none, built: unknown)\n", out)
}

func TestParseCommand(t *testing.T) {
	out, err := run(t, sshtest.LeaseOutput, "parse")
	require.NoError(t, err)
	assert.Contains(t, out, "10.1.2.3")
	assert.Contains(t, out, "Tue Oct 13 08:00:00 2026")
	assert.NotContains(t, out, "192.168.50.10")

	out, err = run(t, sshtest.LeaseOutput, "parse", "-o", "json")
	require.NoError(t, err)
	var leases []parser.Lease
	require.NoError(t, json.Unmarshal([]byte(out), &leases))
	assert.Equal(t, []parser.Lease{{
		IPAddress:    "10.1.2.3",
		DHCPServer:   "10.1.2.1",
		LeaseExpires: "Tue Oct 13 08:00:00 2026",
	}}, leases)

	out, err = run(t, "nothing to see\n", "parse")
	require.NoError(t, err)
	assert.Contains(t, out, "no DHCP leases found")

	_, err = run(t, sshtest.LeaseOutput, "parse", "-o", "xml")
	assert.Error(t, err)
}

func TestParseCommandKeyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte(sshtest.LeaseOutput), 0o600))

	out, err := run(t, "", "parse", path, "--kv", "-o", "json")
	require.NoError(t, err)
	var values map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &values))
	assert.Equal(t, "10.1.2.1", values["DHCP Server"])
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshdevice", "config.yaml")
	out, err := run(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = run(t, "", "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = run(t, "", "config", "init", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShowMasksPassword(t *testing.T) {
	t.Setenv("SSHDEVICE_PASSWORD", "hunter2")
	out, err := run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "password: '********'")
	assert.NotContains(t, out, "hunter2")
}

func TestExecCommand(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	t.Setenv("SSHDEVICE_PASSWORD", sshtest.DefaultPassword)
	host := sshtest.DefaultUser + "@" + srv.Host + ":" + strconv.Itoa(int(srv.Port))

	out, err := run(t, "", "exec", host, "echo", "hello", "--insecure")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = run(t, "", "exec", host, "lease", "--insecure", "--leases", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"ip_address": "10.1.2.3"`)

	_, err = run(t, "", "exec", host, "false", "--insecure")
	var ee exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.code)
}

func TestExecWrongPasswordIsNotRetried(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	t.Setenv("SSHDEVICE_PASSWORD", "wrong")
	host := sshtest.DefaultUser + "@" + srv.Addr

	_, err := run(t, "", "exec", host, "echo", "hi", "--insecure", "--retries", "3")
	require.Error(t, err)
	assert.Equal(t, 3, srv.PasswordAttempts(), "one connect, three attempts")
}

func TestConnectRelaysStdin(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	t.Setenv("SSHDEVICE_PASSWORD", sshtest.DefaultPassword)

	out, err := run(t, "show version\nexit\n", "connect", sshtest.DefaultUser+"@"+srv.Addr, "--insecure")
	require.NoError(t, err)
	assert.Contains(t, out, sshtest.Greeting)
	assert.Contains(t, out, "echo: show version\r\n")
	assert.Contains(t, out, "bye\r\n")
	assert.Equal(t, []string{"show version", "exit"}, srv.Lines())
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(client.ErrNotReady))
}
