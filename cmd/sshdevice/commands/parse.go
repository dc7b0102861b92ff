package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/pascal71/sshdevice-go/parser"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	var kv bool
	cmd := &cobra.Command{
		Use:   "parse [FILE]",
		Short: "Extract DHCP leases from saved device output",
		Long: `Read captured device output from FILE, or stdin when FILE is omitted or
"-", and print the DHCP leases it describes.`,
		Example: `  ipconfig /all | sshdevice parse -o json`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			w := cmd.OutOrStdout()
			if kv {
				values := parser.ParseKeyValues(string(data))
				return render(w, values, keyValueTable(values))
			}
			leases := parser.ParseDHCPLeases(string(data))
			if len(leases) == 0 && flags.output == formatTable {
				fmt.Fprintln(cmd.ErrOrStderr(), "no DHCP leases found")
				return nil
			}
			return render(w, leases, leaseTable(leases))
		},
	}
	cmd.Flags().BoolVar(&kv, "kv", false, "print key/value pairs instead of leases")
	return cmd
}
