package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pascal71/sshdevice-go/parser"
	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	var (
		f      connFlags
		leases bool
		kv     bool
	)
	cmd := &cobra.Command{
		Use:   "exec [user@]HOST[:PORT] COMMAND...",
		Short: "Run one command on a device",
		Long: `Run a command on its own exec channel and print its output. The process
exits with the command's exit status. With --leases the DHCP leases found
in the output are printed instead, with --kv the "Key . . . : value" pairs.`,
		Example: `  sshdevice exec admin@10.0.0.5 ipconfig /all --leases
  sshdevice exec switch1 show system-info --kv -o json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTarget(args[:1], &f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dev, err := openDevice(ctx, t, &f, nil)
			if err != nil {
				return err
			}
			defer dev.Disconnect()

			res, err := dev.Execute(ctx, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch {
			case leases:
				found := parser.ParseDHCPLeases(res.Stdout)
				if err := render(w, found, leaseTable(found)); err != nil {
					return err
				}
			case kv:
				values := parser.ParseKeyValues(res.Stdout)
				if err := render(w, values, keyValueTable(values)); err != nil {
					return err
				}
			default:
				if err := render(w, res, func(w io.Writer) {
					fmt.Fprint(w, res.Stdout)
					fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
				}); err != nil {
					return err
				}
			}
			if res.ExitStatus > 0 {
				return exitError{code: res.ExitStatus}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&leases, "leases", false, "print DHCP leases found in the output")
	cmd.Flags().BoolVar(&kv, "kv", false, "print key/value pairs found in the output")
	cmd.MarkFlagsMutuallyExclusive("leases", "kv")
	return cmd
}
