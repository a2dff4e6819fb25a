// Package runner is the in-tree reference implementation of the runner
// contract the supervisor relies on. Apart from the supervisor reading
// profile records through ReadProfile, the supervisor and backend
// adapters call Run directly only in session mode —
// background/batch/qsub/msub backends invoke it out-of-process,
// through the cmd/pipe-runjob binary, exactly the way any other
// interpreter honoring the same contract could be substituted in.
//
// The command a job declares is fully opaque here: Run shells out to it
// verbatim and never parses or interprets it.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"pipemgr/internal/common"
	"pipemgr/internal/paths"
)

// Run executes one job's command under the Runner Contract: it creates
// the running tag, shells out to the opaque command, captures combined
// output into the job's log, checks declared outputs exist, and writes
// exactly one of the finished/failed tags plus the profile record
// before returning. The returned error reflects only infrastructure
// failure (e.g. unable to write a tag file); a failing job command is
// reported via the .failed tag, not a Go error.
func Run(ctx context.Context, layout paths.Layout, job string, desc common.Descriptor) error {
	if err := touch(layout.Running(job)); err != nil {
		return err
	}

	start := time.Now()
	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, "sh", "-c", desc.Command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	end := time.Now()
	if err := os.WriteFile(layout.Log(job), out.Bytes(), 0o644); err != nil {
		return err
	}

	failed := runErr != nil
	if !failed {
		failed = !outputsExist(desc.RealFilesOut())
	}

	if err := writeProfile(layout.Profile(job), start, end); err != nil {
		return err
	}

	var tagErr error
	if failed {
		tagErr = touch(layout.Failed(job))
	} else {
		tagErr = touch(layout.Finished(job))
	}
	if tagErr != nil {
		return tagErr
	}

	return os.Remove(layout.Running(job))
}

func outputsExist(files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeProfile(path string, start, end time.Time) error {
	p := common.Profile{
		StartedAt:  start.UTC().Format(time.RFC3339Nano),
		EndedAt:    end.UTC().Format(time.RFC3339Nano),
		ElapsedSec: end.Sub(start).Seconds(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadProfile parses a <job>.profile tag file written by Run.
func ReadProfile(path string) (common.Profile, error) {
	var p common.Profile
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(b, &p)
	return p, err
}
