package channel

import (
	"context"
	"sort"

	"github.com/pascal71/sshdevice-go/wire"
	"golang.org/x/crypto/ssh"
)

// SessionType is the channel type for shells and commands.
const SessionType = "session"

// Pty describes the pseudo-terminal requested for a shell.
type Pty struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32 // pixels
	Height uint32 // pixels
	Modes  ssh.TerminalModes
}

// DefaultPty is an 80x24 xterm with echo disabled.
func DefaultPty() Pty {
	return Pty{
		Term:   "xterm",
		Cols:   80,
		Rows:   24,
		Width:  800,
		Height: 600,
		Modes: ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		},
	}
}

// encodeModes serializes terminal modes (RFC 4254 section 8), sorted by
// opcode and terminated by TTY_OP_END.
func encodeModes(modes ssh.TerminalModes) string {
	ops := make([]int, 0, len(modes))
	for op := range modes {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)

	var b []byte
	for _, op := range ops {
		b = append(b, byte(op))
		b = wire.AppendU32(b, modes[uint8(op)])
	}
	return string(append(b, 0))
}

// RequestPty asks for a pseudo-terminal.
func (c *Channel) RequestPty(ctx context.Context, p Pty) error {
	payload := wire.Marshal(&wire.PtyRequestMsg{
		Term:     p.Term,
		Columns:  p.Cols,
		Rows:     p.Rows,
		Width:    p.Width,
		Height:   p.Height,
		Modelist: encodeModes(p.Modes),
	})
	return c.mustSucceed(ctx, "pty-req", payload)
}

// Shell starts the user's login shell.
func (c *Channel) Shell(ctx context.Context) error {
	return c.mustSucceed(ctx, "shell", nil)
}

// Exec runs a single command.
func (c *Channel) Exec(ctx context.Context, cmd string) error {
	return c.mustSucceed(ctx, "exec", wire.Marshal(&wire.ExecMsg{Command: cmd}))
}

// WindowChange reports a terminal size change. No reply is expected.
func (c *Channel) WindowChange(cols, rows, width, height uint32) error {
	var b []byte
	b = wire.AppendU32(b, cols)
	b = wire.AppendU32(b, rows)
	b = wire.AppendU32(b, width)
	b = wire.AppendU32(b, height)
	_, err := c.SendRequest(context.Background(), "window-change", false, b)
	return err
}

func (c *Channel) mustSucceed(ctx context.Context, name string, payload []byte) error {
	ok, err := c.SendRequest(ctx, name, true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return &RequestError{Request: name}
	}
	return nil
}
