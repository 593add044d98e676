// Command swarmlog runs and inspects a swarmlog node.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/swarmlog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
