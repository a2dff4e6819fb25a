// Package fsprep performs the filesystem preparation that must happen
// between planning and handing the plan to the supervisor: creating
// output directories, cleaning stale outputs of to-be-restarted jobs,
// purging stale tag files, and checking that every non-finished job's
// inputs are actually present on disk.
package fsprep

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"pipemgr/internal/common"
	"pipemgr/internal/graph"
	"pipemgr/internal/paths"
)

// Options configures one preparation pass.
type Options struct {
	FlagClean bool
	FlagPause bool
	Log       *logrus.Logger
	// Confirm is invoked when FlagPause is set, with the stale outputs
	// about to be deleted (when FlagClean is set and there are any) and
	// with the missing inputs (when any are found); it should block
	// until the operator confirms. Defaults to a stdin prompt (see
	// Prompt) when nil.
	Confirm func(missing []string) bool
}

// Prepare runs the preparation steps against a pipeline whose restart
// plan has already been computed: logs directory, output directories,
// stale-output cleanup, tag-file purge, and the missing-input check.
func Prepare(layout paths.Layout, pl common.Pipeline, g *graph.Graph, status []common.Status, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	// 1. Create path_logs if absent.
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}

	// 2. Create missing output parent directories.
	if err := createOutputDirs(pl); err != nil {
		return err
	}

	// 3. Clean stale outputs of non-finished jobs. With flag_pause on,
	// the deletions are listed and confirmed first: this is the one
	// destructive step that touches user data rather than our own
	// bookkeeping files.
	if opts.FlagClean {
		stale := staleOutputs(pl, status)
		if len(stale) > 0 && opts.FlagPause {
			confirm := opts.Confirm
			if confirm == nil {
				confirm = Prompt
			}
			if !confirm(stale) {
				return fmt.Errorf("operator declined deletion of %d stale output file(s)", len(stale))
			}
		}
		removeFiles(stale, log)
	}

	// 4. Purge stale tag files and the tmp/ subdirectory.
	if err := purgeTagFiles(layout); err != nil {
		return err
	}

	// 5. Verify inputs for non-finished jobs.
	missing := missingInputs(pl, g, status)
	if len(missing) > 0 {
		log.WithField("missing", missing).Warn("some job inputs are missing on disk")
		if opts.FlagPause {
			confirm := opts.Confirm
			if confirm == nil {
				confirm = Prompt
			}
			if !confirm(missing) {
				return fmt.Errorf("operator declined to continue with %d missing input file(s)", len(missing))
			}
		}
	}

	return nil
}

func createOutputDirs(pl common.Pipeline) error {
	dirs := map[string]struct{}{}
	for _, job := range pl.Jobs {
		for _, f := range job.Descriptor.RealFilesOut() {
			dirs[filepath.Dir(f)] = struct{}{}
		}
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory %s: %w", dir, err)
		}
	}
	return nil
}

// staleOutputs lists every output file of a non-finished job that is
// currently present on disk.
func staleOutputs(pl common.Pipeline, status []common.Status) []string {
	var stale []string
	for i, job := range pl.Jobs {
		if i < len(status) && status[i] == common.StatusFinished {
			continue
		}
		for _, f := range job.Descriptor.RealFilesOut() {
			if _, err := os.Stat(f); err == nil {
				stale = append(stale, f)
			}
		}
	}
	return stale
}

func removeFiles(files []string, log *logrus.Logger) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.WithFields(logrus.Fields{"file": f, "error": err}).Warn("failed to remove stale output")
		}
	}
}

func purgeTagFiles(layout paths.Layout) error {
	for _, pattern := range layout.PurgeGlobs() {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("purging %s: %w", m, err)
			}
		}
	}
	return os.RemoveAll(layout.TmpDir())
}

// missingInputs reports, for every non-finished job, which of its
// declared inputs are absent on disk and not produced by another job in
// the same pipeline (a job's own ancestor is the planner's concern —
// here we only care about genuinely external inputs).
func missingInputs(pl common.Pipeline, g *graph.Graph, status []common.Status) []string {
	producedByPipeline := map[string]bool{}
	for _, job := range pl.Jobs {
		for _, f := range job.Descriptor.RealFilesOut() {
			producedByPipeline[f] = true
		}
	}

	var missing []string
	for i, job := range pl.Jobs {
		if i < len(status) && status[i] == common.StatusFinished {
			continue
		}
		for _, f := range job.Descriptor.RealFilesIn() {
			if producedByPipeline[f] {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				missing = append(missing, f)
			}
		}
	}
	return missing
}

// Prompt lists the affected files on stdout and asks the operator on
// stdin whether to continue. It is the default Options.Confirm, used
// both for stale-output deletion and for missing-input continuation.
func Prompt(files []string) bool {
	fmt.Printf("%d file(s) affected:\n", len(files))
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	fmt.Print("Continue? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch line {
	case "y\n", "Y\n", "yes\n":
		return true
	default:
		return false
	}
}
