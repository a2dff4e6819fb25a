// Package backend adapts the supervisor's uniform submit contract onto
// the five execution modes. Every backend launches something that will
// eventually leave tag files in the logs directory; status polling is
// the supervisor's job and is identical across modes. What differs is
// submission, process lifetime, and where stdout/stderr is routed.
package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"

	"pipemgr/internal/common"
	"pipemgr/internal/paths"
	"pipemgr/internal/runner"
)

// Backend hands one job to an execution mode. Submit returns once the
// job has been handed off (or, in session mode, once it has run to
// completion). A Submit error is fatal to the supervisor.
type Backend interface {
	Submit(ctx context.Context, job string, desc common.Descriptor) error
}

// Options carries the knobs shared by the script-based backends.
type Options struct {
	Layout paths.Layout
	// Interpreter is the invocation that loads the job descriptor from
	// the state store and runs it under the runner contract.
	Interpreter string
	// InitCommand is an optional prologue run before the interpreter.
	InitCommand string
	// ShellOptions is an optional shell-options prologue (e.g. "set -e").
	ShellOptions string
	// QsubOptions is extra flags appended to the cluster submit command.
	QsubOptions string
	Log         *logrus.Logger
}

// New returns the backend for mode. Unknown modes are a programming
// error at this layer; the config layer validates user input.
func New(mode string, opts Options) (Backend, error) {
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	switch mode {
	case "session":
		return &sessionBackend{opts}, nil
	case "background":
		return &backgroundBackend{opts}, nil
	case "batch":
		return &batchBackend{opts}, nil
	case "qsub", "msub":
		return &clusterBackend{opts: opts, submitCmd: mode}, nil
	}
	return nil, fmt.Errorf("unknown backend mode %q", mode)
}

// sessionBackend evaluates the job in-process and synchronously: the
// supervisor blocks for the payload's duration. Output capture goes
// through the runner's own log handling rather than a redirect.
type sessionBackend struct {
	opts Options
}

func (b *sessionBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	b.opts.Log.WithField("job", job).Debug("running job in session")
	if err := runner.Run(ctx, b.opts.Layout, job, desc); err != nil {
		return fmt.Errorf("session run of %s: %w", job, err)
	}
	// The wrapper's termination tag, written here because there is no
	// out-of-process wrapper in session mode.
	return touch(b.opts.Layout.Exit(job))
}

// backgroundBackend detaches a local subprocess running the generated
// wrapper script, with stdout/stderr appended to <job>.log.
type backgroundBackend struct {
	opts Options
}

func (b *backgroundBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	script, err := WriteScript(b.opts, job)
	if err != nil {
		return err
	}
	return startDetached(b.opts, job, script, false)
}

// batchBackend is the logout-proof variant of background: the wrapper
// runs in its own session, detached from the controlling terminal, so
// it survives SIGHUP when the operator logs out.
type batchBackend struct {
	opts Options
}

func (b *batchBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	script, err := WriteScript(b.opts, job)
	if err != nil {
		return err
	}
	return startDetached(b.opts, job, script, true)
}

func startDetached(opts Options, job, script string, setsid bool) error {
	logFile, err := os.OpenFile(opts.Layout.Log(job), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log for %s: %w", job, err)
	}
	defer logFile.Close()

	cmd := exec.Command("sh", script)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if setsid {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", job, err)
	}
	// The process is intentionally not waited on: the tag-file protocol
	// is how its outcome comes back. Release lets the child outlive us.
	return cmd.Process.Release()
}

// clusterBackend submits the wrapper script to a cluster queue via qsub
// or msub. The queue job name is the job name truncated to the
// cluster's display limit; wrapper stdout/stderr land in .oqsub/.eqsub.
type clusterBackend struct {
	opts      Options
	submitCmd string
}

func (b *clusterBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	script, err := WriteScript(b.opts, job)
	if err != nil {
		return err
	}

	args := []string{
		"-N", paths.TruncatedName(job, common.MaxJobNameDisplay),
		"-o", b.opts.Layout.OQsub(job),
		"-e", b.opts.Layout.EQsub(job),
	}
	if b.opts.QsubOptions != "" {
		args = append(args, splitOptions(b.opts.QsubOptions)...)
	}
	args = append(args, script)

	cmd := exec.CommandContext(ctx, b.submitCmd, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s submit of %s: %w: %s", b.submitCmd, job, err, out)
	}
	b.opts.Log.WithFields(logrus.Fields{"job": job, "queue_reply": string(out)}).Debug("submitted to cluster queue")
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
