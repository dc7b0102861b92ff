package client

import (
	"context"
	"testing"
	"time"

	"github.com/pascal71/sshdevice-go/internal/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	d, _ := connect(t, srv)
	ctx := t.Context()

	tests := []struct {
		command string
		stdout  string
		stderr  string
		status  int
	}{
		{command: "echo hello world", stdout: "hello world\n"},
		{command: "stderr disk full", stderr: "disk full\n", status: 2},
		{command: "false", status: 1},
		{command: "reboot", stdout: "unknown command: reboot\n", status: 127},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			res, err := d.Execute(ctx, tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.command, res.Command)
			assert.Equal(t, tt.stdout, res.Stdout)
			assert.Equal(t, tt.stderr, res.Stderr)
			assert.Equal(t, tt.status, res.ExitStatus)
		})
	}

	assert.Equal(t, []string{"echo hello world", "stderr disk full", "false", "reboot"}, srv.Execs())
	assert.Equal(t, StateReady, d.State(), "exec channels leave the shell alone")
}

func TestExecuteDeliversLeases(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	d, out := connect(t, srv)
	out.waitFor(t, sshtest.DefaultPrompt)

	res, err := d.Execute(t.Context(), "lease")
	require.NoError(t, err)
	assert.Equal(t, sshtest.LeaseOutput, res.Stdout)

	want := sshtest.LeaseOutput +
		"\r\nIP Address:          10.1.2.3" +
		"DHCP Server:         10.1.2.1" +
		"Lease Expiration:    Tue Oct 13 08:00:00 2026\n"
	out.waitFor(t, want)
}

func TestExecuteNotReady(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	d := newDevice(t, srv)

	_, err := d.Execute(t.Context(), "echo hi")
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = d.Execute(t.Context(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRunCommand(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	d, out := connect(t, srv)
	out.waitFor(t, sshtest.Greeting+sshtest.DefaultPrompt)

	got, err := d.RunCommand(t.Context(), "show version")
	require.NoError(t, err)
	assert.Equal(t, "echo: show version\n"+sshtest.DefaultPrompt, got)
	assert.Equal(t, []string{"show version"}, srv.Lines())

	got, err = d.RunCommand(t.Context(), "utf8")
	require.NoError(t, err)
	assert.Equal(t, "température ≥ 21°C, état: prêt €\n"+sshtest.DefaultPrompt, got)
}

func TestRunCommandTimesOut(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Prompt: "ready\r\n"})
	d, out := connect(t, srv)
	out.waitFor(t, "ready\r\n")

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	_, err := d.RunCommand(ctx, "show version")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
