// Package parser extracts structured data from device command output.
package parser

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

	// PromptPattern matches a typical CLI prompt at the end of the output,
	// e.g. "device> ", "router#" or "CP4N>".
	PromptPattern = regexp.MustCompile(`(?m)[\r\n]*([\w.\-()@:~]+[>#$])\s*$`)
)

// Clean strips ANSI escape sequences and carriage returns.
func Clean(output string) string {
	output = ansiEscape.ReplaceAllString(output, "")
	return strings.ReplaceAll(output, "\r", "")
}

// HasPrompt reports whether output ends with a prompt matching re, or
// PromptPattern when re is nil.
func HasPrompt(output string, re *regexp.Regexp) bool {
	if re == nil {
		re = PromptPattern
	}
	return re.MatchString(Clean(output))
}

// Lease describes the DHCP lease of one network adapter.
type Lease struct {
	IPAddress    string `json:"ip_address"`
	DHCPServer   string `json:"dhcp_server"`
	LeaseExpires string `json:"lease_expires"`
}

var (
	dhcpEnabledRegex  = regexp.MustCompile(`(?i)^.*DHCP[^:]*:\s*(ON|OFF|YES|NO)\s*$`)
	ipAddressRegex    = regexp.MustCompile(`(?i)^.*IP Address[^:]*:\s*(.*)$`)
	dhcpServerRegex   = regexp.MustCompile(`(?i)^.*DHCP Server[^:]*:\s*(.*)$`)
	leaseExpiresRegex = regexp.MustCompile(`(?i)^.*Lease Expires On[^:]*:\s*(.*)$`)
)

// ParseDHCPLeases extracts the IP address, DHCP server and lease expiry of
// every DHCP-enabled adapter in `ipconfig /all` style output. An adapter is
// reported once its "Lease Expires On" line has been seen; adapters with
// DHCP turned off are skipped.
func ParseDHCPLeases(output string) []Lease {
	var (
		leases []Lease
		cur    *Lease
	)
	for _, line := range strings.Split(Clean(output), "\n") {
		line = strings.TrimRight(line, " \t")

		// Order matters: "DHCP Server" also matches the enabled pattern.
		switch {
		case dhcpServerRegex.MatchString(line):
			if cur != nil {
				cur.DHCPServer = strings.TrimSpace(dhcpServerRegex.FindStringSubmatch(line)[1])
			}
		case leaseExpiresRegex.MatchString(line):
			if cur != nil {
				cur.LeaseExpires = strings.TrimSpace(leaseExpiresRegex.FindStringSubmatch(line)[1])
				leases = append(leases, *cur)
				cur = nil
			}
		case ipAddressRegex.MatchString(line):
			if cur != nil && cur.IPAddress == "" {
				cur.IPAddress = strings.TrimSpace(ipAddressRegex.FindStringSubmatch(line)[1])
			}
		case dhcpEnabledRegex.MatchString(line):
			m := dhcpEnabledRegex.FindStringSubmatch(line)
			if v := strings.ToUpper(m[1]); v == "ON" || v == "YES" {
				cur = &Lease{}
			} else {
				cur = nil
			}
		}
	}
	return leases
}

// Lines renders the lease the way the device driver reports it: three
// labelled lines, the first preceded by a blank line.
func (l Lease) Lines() []string {
	return []string{
		"\r\nIP Address:          " + l.IPAddress,
		"DHCP Server:         " + l.DHCPServer,
		"Lease Expiration:    " + l.LeaseExpires + "\n",
	}
}

func (l Lease) String() string {
	return fmt.Sprintf("%s via %s until %s", l.IPAddress, l.DHCPServer, l.LeaseExpires)
}

var keyValRegex = regexp.MustCompile(`^\s*([\w][\w\-/() ]*?)[ .]*:\s*(.*?)\s*$`)

// ParseKeyValues parses "Key . . . : value" lines into a map. Keys are
// trimmed of dot leaders; when a key repeats, the first value wins. Lines
// without a colon are ignored.
func ParseKeyValues(output string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(Clean(output), "\n") {
		m := keyValRegex.FindStringSubmatch(line)
		if len(m) != 3 {
			continue
		}
		key := strings.TrimSpace(m[1])
		if key == "" {
			continue
		}
		if _, ok := values[key]; !ok {
			values[key] = m[2]
		}
	}
	return values
}
