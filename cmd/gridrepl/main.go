// Command gridrepl runs and inspects data grid replication nodes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/gridrepl/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
