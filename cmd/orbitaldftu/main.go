// Command orbitaldftu drives ABINIT DFT+U runs to self-consistent occupation
// matrices.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/orbitaldftu/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orbitaldftu:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
