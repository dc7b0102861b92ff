package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	statePoll  = 250 * time.Millisecond
	drainGrace = time.Second
)

func newConnectCmd() *cobra.Command {
	var (
		f        connFlags
		commands []string
	)
	cmd := &cobra.Command{
		Use:   "connect [user@]HOST[:PORT]",
		Short: "Open an interactive shell on a device",
		Long: `Open a shell on the device and relay it: every line read from stdin is
sent as a command and all device output is written to stdout. The session
ends on end of input, on interrupt, or when the device closes the shell.`,
		Example: `  sshdevice connect admin@192.168.1.10
  sshdevice connect switch1 -c "show version" -c "exit"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTarget(args, &f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stdout := cmd.OutOrStdout()
			dev, err := openDevice(ctx, t, &f, func(text string) { fmt.Fprint(stdout, text) })
			if err != nil {
				return err
			}
			defer dev.Disconnect()
			env.log.Debug("session ready", zap.Stringer("device", dev))

			for _, c := range commands {
				if status := dev.SendCommand(c + "\n"); status != sshdevice.StatusOK {
					return fmt.Errorf("send %q: %s", c, status)
				}
			}
			return relay(ctx, dev, cmd.InOrStdin(), term.IsTerminal(int(os.Stdin.Fd())))
		},
	}
	f.register(cmd)
	cmd.Flags().StringArrayVarP(&commands, "command", "c", nil, "command to send before reading stdin (repeatable)")
	return cmd
}

// relay forwards stdin lines until input ends, ctx is done or the session
// leaves Ready.
func relay(ctx context.Context, dev *client.Device, in io.Reader, interactive bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(statePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if dev.State() != client.StateReady {
				return sessionEnd(dev)
			}
		case line, ok := <-lines:
			if !ok {
				if interactive {
					return nil
				}
				// Piped input: leave the device time to answer the last command.
				grace(ctx, drainGrace)
				return nil
			}
			switch status := dev.SendCommand(line + "\n"); status {
			case sshdevice.StatusOK:
			case sshdevice.StatusNotReady:
				return sessionEnd(dev)
			default:
				return fmt.Errorf("send: %s", status)
			}
		}
	}
}

func grace(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func sessionEnd(dev *client.Device) error {
	if dev.State() == client.StateFailed {
		return fmt.Errorf("session failed: %w", dev.LastError())
	}
	env.log.Info("session closed", zap.Error(dev.LastError()))
	return nil
}
