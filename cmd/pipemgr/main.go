// pipemgr is the pipeline manager CLI: declare a pipeline in YAML,
// initialize it against a logs directory, and supervise its execution
// through one of the local or cluster backends.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
