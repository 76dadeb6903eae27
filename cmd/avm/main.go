// Command avm manages a versioned, layered virtual repository.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/avm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
