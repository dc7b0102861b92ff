// Command sshdevice opens SSH shell sessions to network devices, runs
// commands on them and extracts DHCP lease details from their output.
package main

import (
	"os"

	"github.com/pascal71/sshdevice-go/cmd/sshdevice/commands"
)

func main() {
	os.Exit(commands.Execute())
}
