// pipe-runjob is the reference job interpreter: the wrapper scripts
// generated by the script-based backends invoke it with a logs
// directory and a job name. It loads the job's descriptor from the
// persisted PIPE_jobs store, applies the run's search path, and
// executes the command under the runner contract. Any interpreter
// honoring the same tag-file contract can replace it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pipemgr/internal/common"
	"pipemgr/internal/logging"
	"pipemgr/internal/paths"
	"pipemgr/internal/runner"
	"pipemgr/internal/store"
)

func main() {
	var (
		pathLogs string
		job      string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:          "pipe-runjob --path-logs DIR --job NAME",
		Short:        "run one pipeline job under the tag-file contract",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(pathLogs, job, debug)
		},
	}
	cmd.Flags().StringVar(&pathLogs, "path-logs", "", "pipeline logs directory")
	cmd.Flags().StringVar(&job, "job", "", "name of the job to run")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	cmd.MarkFlagRequired("path-logs")
	cmd.MarkFlagRequired("job")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(pathLogs, job string, debug bool) error {
	log := logging.New(false, debug)
	layout := paths.New(pathLogs)

	st, err := store.New(layout, log).Load()
	if err != nil {
		return fmt.Errorf("loading state store: %w", err)
	}
	desc, ok := st.Jobs[job]
	if !ok {
		return fmt.Errorf("job %q is not in the state store at %s", job, pathLogs)
	}

	if sp := st.Meta.PathSearch; sp != "" && sp != common.OmittedSentinel {
		os.Setenv("PATH", sp+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	// A failing command is reported through the .failed tag, not the
	// process exit code: the wrapper's .exit tag plus the outcome tag is
	// the whole protocol.
	return runner.Run(context.Background(), layout, job, desc)
}
