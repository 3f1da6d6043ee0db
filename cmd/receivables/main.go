// Command receivables runs and inspects the receivable financing engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/receivables/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
