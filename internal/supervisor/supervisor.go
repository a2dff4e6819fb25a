// Package supervisor drives a prepared plan to completion: a
// single-threaded cooperative loop that keeps a bounded number of jobs
// in flight through a backend, observes their outcomes through the
// tag-file protocol, folds per-job logs and profiles into the aggregate
// stores, cascades failure to descendants, and persists enough state
// each tick that a later initialization can resume correctly.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pipemgr/internal/backend"
	"pipemgr/internal/common"
	"pipemgr/internal/graph"
	"pipemgr/internal/paths"
	"pipemgr/internal/runner"
	"pipemgr/internal/store"
)

// Options parameterizes one supervisor run.
type Options struct {
	Backend           backend.Backend
	MaxQueued         int
	TimeBetweenChecks time.Duration
	TimeCoolDown      time.Duration
	Log               *logrus.Logger
}

// partition is where a job currently lives in the supervisor's view.
type partition int

const (
	partTodo partition = iota
	partRunning
	partDone
)

// Supervisor holds the working state of one run. It is not safe for
// concurrent use; the loop is deliberately single-threaded and all
// cross-process coordination happens through the filesystem.
type Supervisor struct {
	layout paths.Layout
	pl     common.Pipeline
	g      *graph.Graph
	st     *store.Store
	state  store.State
	opts   Options
	log    *logrus.Logger

	// Parallel to g.Names.
	status  []common.Status
	logs    []string
	profile []common.Profile
	part    []partition

	// origAdj is the unmutated adjacency, used for failure cascade;
	// the live graph's out-edges are cleared as jobs finish.
	origAdj [][]bool

	queued    int
	failed    int
	lockToken string
}

// New builds a Supervisor over a plan that has already been initialized
// and persisted. state is the merged state the initializer saved; jobs
// whose status is finished are placed directly in the done partition
// and their outgoing edges cleared, so their children can become ready
// on the first tick.
func New(layout paths.Layout, pl common.Pipeline, g *graph.Graph, st *store.Store, state store.State, opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	if opts.MaxQueued < 1 {
		opts.MaxQueued = 1
	}

	n := g.Len()
	s := &Supervisor{
		layout:  layout,
		pl:      pl,
		g:       g,
		st:      st,
		state:   state,
		opts:    opts,
		log:     log,
		status:  make([]common.Status, n),
		logs:    make([]string, n),
		profile: make([]common.Profile, n),
		part:    make([]partition, n),
		origAdj: g.Snapshot(),
	}

	for i, name := range g.Names {
		js := state.Status[name]
		if js == "" {
			js = common.StatusNone
		}
		s.status[i] = js
		s.logs[i] = state.Logs[name]
		s.profile[i] = state.Profile[name]
		if js == common.StatusFinished {
			s.part[i] = partDone
			g.ClearOutgoing(i)
		} else {
			s.part[i] = partTodo
		}
	}
	return s
}

// Run executes the supervisor loop until the pipeline drains, the lock
// file disappears, or a fatal error occurs. Job-level failure is not a
// Go error; it is reported through status and the failed count.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			s.releaseLock()
			panic(r)
		}
		if err != nil {
			s.releaseLock()
		}
	}()

	watcher := s.newWatcher()
	if watcher != nil {
		defer watcher.Close()
	}

	for s.lockPresent() && s.pending() > 0 {
		if ctx.Err() != nil {
			break
		}

		// 1. Persist before anything else: a crash mid-tick must leave a
		// state a later initialization can normalize from.
		if err := s.persist(); err != nil {
			return fmt.Errorf("persisting state: %w", err)
		}

		// 2. Poll running jobs via tag files. The ready set is computed
		// now, before transition handling clears any edges: a job
		// observed finished this tick unblocks its children on the
		// next tick, never within the same one.
		transitioned := s.poll()
		ready := s.readySnapshot()

		// 3. Cool-down before reading per-job logs, so slow cluster
		// stdout flushes have settled by the time we ingest.
		if len(transitioned) > 0 && s.opts.TimeCoolDown > 0 {
			sleepCtx(ctx, s.opts.TimeCoolDown)
		}

		// 4. Terminal transitions: ingest, clean up, cascade.
		for _, i := range transitioned {
			s.handleTerminal(i)
		}

		// 5. Submit ready jobs up to the concurrency cap.
		if err := s.submitReady(ctx, ready); err != nil {
			return err
		}

		if s.pending() == 0 {
			break
		}

		// 6. Sleep; a tag-file event may cut this short, but tag files
		// are still only trusted when the next poll reads them.
		s.sleep(ctx, watcher)
	}

	if err := s.persist(); err != nil {
		return fmt.Errorf("persisting final state: %w", err)
	}
	s.releaseLock()

	if s.failed > 0 {
		s.log.WithField("failed", s.failed).Warn("pipeline completed with failed jobs")
	} else if s.pending() == 0 {
		s.log.Info("pipeline completed")
	} else {
		s.log.WithField("pending", s.pending()).Info("supervisor interrupted; pending jobs will be normalized on next initialization")
	}
	return nil
}

// Failed returns the number of jobs that terminated in failure during
// this run.
func (s *Supervisor) Failed() int { return s.failed }

func (s *Supervisor) pending() int {
	n := 0
	for _, p := range s.part {
		if p != partDone {
			n++
		}
	}
	return n
}

// poll inspects tag files for every running job and returns the indices
// that reached a terminal state this tick. The .exit tag with no
// outcome tag is the wrapper's "terminated without reporting" case and
// is reclassified to failed.
func (s *Supervisor) poll() []int {
	var transitioned []int
	for i, p := range s.part {
		if p != partRunning {
			continue
		}
		name := s.g.Names[i]
		switch {
		case exists(s.layout.Finished(name)):
			s.status[i] = common.StatusFinished
			transitioned = append(transitioned, i)
		case exists(s.layout.Failed(name)):
			s.status[i] = common.StatusFailed
			transitioned = append(transitioned, i)
		case exists(s.layout.Exit(name)):
			s.log.WithField("job", name).Warn("wrapper exited without an outcome tag; treating as failed")
			s.status[i] = common.StatusFailed
			transitioned = append(transitioned, i)
		case exists(s.layout.Running(name)):
			s.status[i] = common.StatusRunning
		}
	}
	return transitioned
}

// handleTerminal ingests a finished/failed job's artifacts, removes its
// tag files and wrapper script, and updates the partitions: a finished
// job unblocks its children, a failed one removes every descendant from
// todo.
func (s *Supervisor) handleTerminal(i int) {
	name := s.g.Names[i]

	s.ingestLog(i, name)
	s.ingestProfile(i, name)
	s.clearTags(name)

	s.part[i] = partDone
	s.queued--

	switch s.status[i] {
	case common.StatusFinished:
		s.g.ClearOutgoing(i)
		s.log.WithField("job", name).Info("job finished")
	case common.StatusFailed:
		s.failed++
		s.log.WithField("job", name).Warn("job failed")
		for _, d := range graph.Descendants(s.origAdj, i) {
			if s.part[d] == partTodo {
				s.part[d] = partDone
				s.log.WithFields(logrus.Fields{"job": s.g.Names[d], "ancestor": name}).Warn("skipping job: ancestor failed")
			}
		}
	}
}

func (s *Supervisor) ingestLog(i int, name string) {
	var sb strings.Builder
	sb.WriteString(s.logs[i])
	for _, p := range []string{s.layout.Log(name), s.layout.OQsub(name), s.layout.EQsub(name)} {
		if b, err := os.ReadFile(p); err == nil {
			sb.Write(b)
		}
	}
	s.logs[i] = sb.String()
}

func (s *Supervisor) ingestProfile(i int, name string) {
	p, err := runner.ReadProfile(s.layout.Profile(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithFields(logrus.Fields{"job": name, "error": err}).Warn("unreadable profile record")
		}
		return
	}
	s.profile[i] = p
}

func (s *Supervisor) clearTags(name string) {
	for _, p := range s.layout.TagFiles(name) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.WithFields(logrus.Fields{"file": p, "error": err}).Warn("failed to remove tag file")
		}
	}
	if err := os.Remove(s.layout.Script(name)); err != nil && !os.IsNotExist(err) {
		s.log.WithFields(logrus.Fields{"job": name, "error": err}).Warn("failed to remove wrapper script")
	}
}

// readySnapshot returns, in declaration order, the todo jobs with no
// remaining in-edges as of this instant.
func (s *Supervisor) readySnapshot() []int {
	var ready []int
	for i := range s.part {
		if s.part[i] == partTodo && s.g.InDegree(i) == 0 {
			ready = append(ready, i)
		}
	}
	return ready
}

// submitReady hands jobs from the tick's ready snapshot to the backend,
// in declaration order, until the queue is full. A submission error is
// fatal to the whole run.
func (s *Supervisor) submitReady(ctx context.Context, ready []int) error {
	for _, i := range ready {
		if s.queued >= s.opts.MaxQueued {
			return nil
		}
		if s.part[i] != partTodo {
			continue
		}
		name := s.g.Names[i]
		s.status[i] = common.StatusSubmitted
		s.part[i] = partRunning
		s.queued++
		s.log.WithField("job", name).Info("submitting job")
		if err := s.opts.Backend.Submit(ctx, name, s.pl.Jobs[i].Descriptor); err != nil {
			return fmt.Errorf("submitting %s: %w", name, err)
		}
	}
	return nil
}

// persist folds the index-aligned slices back into the name-keyed state
// maps and writes all four stores plus their backups.
func (s *Supervisor) persist() error {
	for i, name := range s.g.Names {
		s.state.Status[name] = s.status[i]
		s.state.Logs[name] = s.logs[i]
		s.state.Profile[name] = s.profile[i]
	}
	return s.st.Save(s.state)
}

// --- lock file ---

// acquireLock creates PIPE.lock with a token unique to this run, so a
// stale lock left by a crashed process is distinguishable from a live
// one. An existing lock is an operator error: two supervisors on the
// same logs directory corrupt each other's aggregate stores.
func (s *Supervisor) acquireLock() error {
	lock := s.layout.Lock()
	if _, err := os.Stat(lock); err == nil {
		return fmt.Errorf("lock file %s already exists: another supervisor appears to own this logs directory (remove it if that run is dead)", lock)
	}
	s.lockToken = uuid.NewString()
	if err := os.WriteFile(lock, []byte(s.lockToken+"\n"), 0o644); err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	return nil
}

func (s *Supervisor) lockPresent() bool {
	_, err := os.Stat(s.layout.Lock())
	return err == nil
}

// releaseLock removes the lock only when it still carries this run's
// token: an operator who deleted and recreated it owns the new one.
func (s *Supervisor) releaseLock() {
	lock := s.layout.Lock()
	b, err := os.ReadFile(lock)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(b)) != s.lockToken {
		return
	}
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		s.log.WithField("error", err).Warn("failed to remove lock file")
	}
}

// --- sleeping and wakeups ---

// newWatcher sets up an fsnotify watch on the logs directory so the
// loop can wake as soon as a tag file lands, instead of always paying
// the full poll interval. The watcher is an optimization only: polling
// remains the source of truth, and a watcher that cannot be created
// just means we fall back to plain sleeps.
func (s *Supervisor) newWatcher() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.WithField("error", err).Debug("fsnotify unavailable; falling back to polling only")
		return nil
	}
	if err := w.Add(s.layout.Root); err != nil {
		s.log.WithField("error", err).Debug("cannot watch logs directory; falling back to polling only")
		w.Close()
		return nil
	}
	return w
}

func (s *Supervisor) sleep(ctx context.Context, watcher *fsnotify.Watcher) {
	timer := time.NewTimer(s.opts.TimeBetweenChecks)
	defer timer.Stop()

	if watcher == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return
	}
	select {
	case <-timer.C:
	case <-ctx.Done():
	case ev := <-watcher.Events:
		s.log.WithField("event", ev.String()).Debug("woken by filesystem event")
	case err := <-watcher.Errors:
		s.log.WithField("error", err).Debug("fsnotify error; continuing on timer")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
