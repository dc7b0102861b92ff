package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/pascal71/sshdevice-go/parser"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, v any, table func(io.Writer)) error {
	switch flags.output {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (use table, json or yaml)", flags.output)
	}
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func leaseTable(leases []parser.Lease) func(io.Writer) {
	return func(w io.Writer) {
		table := newTable(w, "IP Address", "DHCP Server", "Lease Expires")
		for _, l := range leases {
			table.Append([]string{l.IPAddress, l.DHCPServer, l.LeaseExpires})
		}
		table.Render()
	}
}

func keyValueTable(values map[string]string) func(io.Writer) {
	return func(w io.Writer) {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		table := newTable(w, "Key", "Value")
		for _, k := range keys {
			table.Append([]string{k, values[k]})
		}
		table.Render()
	}
}
