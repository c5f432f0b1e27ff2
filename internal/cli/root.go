// Package cli implements orchestratorctl, the operator-facing command
// line for the job orchestrator: a cobra root command with
// persistent log-level/log-format flags and a BuildInfo/Execute entry
// point.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var buildInfo BuildInfo

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "Inspect and administer image-crawl job orchestration",
	Long: `orchestratorctl - an operator CLI for the image crawl job orchestrator.

Talks to the same Postgres-backed job store and object store the
orchestratord daemon uses, for read-only inspection and manual
intervention: checking a job's status, listing jobs stuck in a given
state, forcing an out-of-band cleanup run, and printing the resource
configuration a daemon in this environment would run with.

Configuration:
  orchestratorctl reads the same environment variables as orchestratord
  (POSTGRES_DSN, OBJECT_STORE_ROOT, RESOURCE_*, CLEANUP_*). A .env file
  in the working directory is loaded automatically if present.

Getting Started:
  orchestratorctl job status --id=42
  orchestratorctl cleanup run --trigger=scheduled`,
	Version: buildInfo.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(info BuildInfo) error {
	buildInfo = info
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
}
