// Command fxaware rewrites traced model graphs into numerics-instrumented
// graphs and records each transformation in a run ledger.
package main

import (
	"os"

	"github.com/roach88/fxaware/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
