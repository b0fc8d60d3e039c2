// Command lanwatch is the LAN discovery daemon and its management CLI.
package main

import "github.com/anstrom/lanwatch/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
