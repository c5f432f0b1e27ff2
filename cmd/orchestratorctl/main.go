// orchestratorctl is the operator CLI: job inspection, a manual
// cleanup trigger, and effective-config printing. main itself is a
// thin entry point deferring entirely to internal/cli.Execute.
package main

import (
	"fmt"
	"os"

	"github.com/imagehive/orchestrator/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	buildInfo := cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	if err := cli.Execute(buildInfo); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
