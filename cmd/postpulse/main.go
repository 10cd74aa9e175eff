// Command postpulse runs the GMB post live-update service and its admin
// commands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/postpulse/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands that report through the formatter return an ExitError;
		// anything else (flag parsing, unknown command) is printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
