// Command durex runs and drives the durable-execution runtime.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/durex/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "durex:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
