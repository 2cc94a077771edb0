// Command tb mirrors a local task document into an external workflow tracker.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/taskbridge/internal/config"
)

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("command failed")

// options are the process-level inputs of a CLI invocation.
type options struct {
	Stdout io.Writer
	Stderr io.Writer

	// GlobalConfig is the global config file; empty skips it.
	GlobalConfig string
}

func main() {
	os.Exit(run(os.Args[1:], options{
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		GlobalConfig: config.GlobalConfigPath(),
	}))
}

// run executes one invocation and returns the exit code.
func run(args []string, opts options) int {
	a := &app{opts: opts}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.Execute()
	a.close()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tb",
		Short: "taskbridge - sync a task document with an external tracker",
		Long: `taskbridge mirrors tasks from a local JSON task document into an external
workflow tracker.

Each task's abstract status (pending, in-progress, review, done, cancelled,
deferred) is resolved to one of the team's workflow states, the matching
issue is created or updated, and the link is written back into the task's
integrations record without touching anything else in the document.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.dir, "dir", "C", "", "Run as if started in this directory")
	flags.StringVar(&a.team, "team", "", "Tracker team key (overrides tracker.team_key)")
	flags.StringVar(&a.endpoint, "endpoint", "", "Tracker API endpoint (overrides tracker.endpoint)")
	flags.BoolVar(&a.jsonOutput, "json", false, "Output JSON")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log component activity to stderr")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "mapping", Title: "Status Mapping Commands:"},
		&cobra.Group{ID: "advanced", Title: "Background Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	root.AddCommand(
		newLinkCmd(a),
		newSyncCmd(a),
		newResolveCmd(a),
		newStatesCmd(a),
		newMappingCmd(a),
		newHistoryCmd(a),
		newDaemonCmd(a),
		newDashboardCmd(a),
		newBenchCmd(a),
		newConfigCmd(a),
	)
	return root
}
