// Command scanqueue runs the scan orchestration daemon and its client CLI.
package main

import "github.com/anstrom/scanqueue/cmd/cli"

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
