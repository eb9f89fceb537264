// Command subsonic is the command-line client for the subsonic subdomain scanner.
package main

import (
	"github.com/anstrom/subsonic/cmd/cli"
)

// Set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
