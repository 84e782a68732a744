// Command stepsync runs the step sync server and its admin tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/stepsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
