package client

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pascal71/sshdevice-go/channel"
	"github.com/pascal71/sshdevice-go/dispatch"
	"github.com/pascal71/sshdevice-go/parser"
	"go.uber.org/zap"
)

// promptTail is how much of the collected output is searched for the
// prompt.
const promptTail = 512

// promptWaiter collects shell output until the prompt shows up.
type promptWaiter struct {
	re   *regexp.Regexp
	mu   sync.Mutex
	buf  strings.Builder
	done chan struct{}
	once sync.Once
}

func (w *promptWaiter) feed(text string) {
	w.mu.Lock()
	w.buf.WriteString(text)
	out := w.buf.String()
	w.mu.Unlock()

	if len(out) > promptTail {
		out = out[len(out)-promptTail:]
	}
	if parser.HasPrompt(out, w.re) {
		w.once.Do(func() { close(w.done) })
	}
}

func (w *promptWaiter) output() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return parser.Clean(w.buf.String())
}

// RunCommand writes cmd and a line break to the shell and waits until the
// device prints its prompt again. It returns the output seen meanwhile,
// without escape sequences or carriage returns. The output also reaches
// the output callback as usual. Only one RunCommand runs at a time.
func (d *Device) RunCommand(ctx context.Context, cmd string) (string, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	w := &promptWaiter{re: d.opts.prompt, done: make(chan struct{})}
	d.tap.Store(w)
	defer d.tap.Store(nil)

	s, err := d.submit(cmd + "\n")
	if err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	select {
	case <-w.done:
		return w.output(), nil
	case <-s.ctx.Done():
		return w.output(), fmt.Errorf("waiting for prompt after %q: %w", cmd, ErrNotReady)
	case <-ctx.Done():
		return w.output(), fmt.Errorf("waiting for prompt after %q: %w", cmd, ctx.Err())
	}
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Command string `json:"command"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	// ExitStatus is -1 when the server reported none.
	ExitStatus int    `json:"exit_status"`
	ExitSignal string `json:"exit_signal,omitempty"`
}

// execOutput buffers an exec channel's output.
type execOutput struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (o *execOutput) ChannelData(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stdout.Write(data)
}

func (o *execOutput) ChannelExtendedData(_ uint32, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stderr.Write(data)
}

// Execute runs command on its own exec channel, next to the shell, and
// waits for it to finish. The standard output is then queued for the
// output callback, followed by any DHCP lease lines ParseData finds in it.
func (d *Device) Execute(ctx context.Context, command string) (*ExecResult, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	d.mu.Lock()
	s, state := d.sess, d.state
	d.mu.Unlock()
	if state != StateReady || s == nil {
		return nil, ErrNotReady
	}

	out := &execOutput{}
	ch, err := s.mux.Open(ctx, channel.SessionType, nil, out)
	if err != nil {
		return nil, fmt.Errorf("open exec channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Exec(ctx, command); err != nil {
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}
	select {
	case <-ch.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("exec %q: %w", command, ctx.Err())
	}
	if err := ch.Err(); err != nil {
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}

	out.mu.Lock()
	res := &ExecResult{
		Command:    command,
		Stdout:     d.decode(out.stdout.Bytes()),
		Stderr:     d.decode(out.stderr.Bytes()),
		ExitStatus: -1,
		ExitSignal: ch.ExitSignal(),
	}
	out.mu.Unlock()
	if status, ok := ch.ExitStatus(); ok {
		res.ExitStatus = int(status)
	}
	d.log.Debug("exec finished",
		zap.Int("exit_status", res.ExitStatus),
		zap.Int("stdout_bytes", len(res.Stdout)),
		zap.Int("stderr_bytes", len(res.Stderr)))

	if res.Stdout != "" {
		s.disp.Enqueue(res.Stdout)
		d.ParseData(res.Stdout)
	}
	return res, nil
}

func (d *Device) decode(b []byte) string {
	dec, err := dispatch.NewDecoder(d.opts.charset)
	if err != nil {
		return string(b)
	}
	return dec.Decode(b) + dec.Flush()
}
