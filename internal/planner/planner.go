// Package planner computes, on every initialization, the minimal but
// sufficient set of jobs that must be restarted so that executing the
// plan leaves every requested output fresh and internally consistent:
// tag-file status normalization, a restart seed from prior status /
// user overrides / descriptor diffs, a fixpoint closure over
// descendants and missing-input ancestors, and a final status/log
// assignment.
package planner

import (
	"os"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"pipemgr/internal/common"
	"pipemgr/internal/graph"
	"pipemgr/internal/paths"
	"pipemgr/internal/store"
)

// Options configures one planning pass.
type Options struct {
	// Restart is the set of user-supplied substrings; a job whose name
	// contains any of them is force-restarted.
	Restart []string
	// FlagUpdate enables descriptor-diff-driven restart (default true
	// at the config layer; the planner itself has no default).
	FlagUpdate bool
	Layout     paths.Layout
	Log        *logrus.Logger
}

// Result is the outcome of one planning pass, indexed the same way as
// the Graph it was computed against.
type Result struct {
	// Restart[i] is true iff job i must run in this supervisor pass.
	Restart []bool
	// Status[i] and Logs[i] are the final per-job values to seed the
	// state store with before the supervisor starts.
	Status []common.Status
	Logs   []string

	RestartedCount int
	SkippedCount   int
}

// Plan runs phases A-D against pl/g using prior as the previous run's
// persisted state (possibly empty, on a first run).
func Plan(pl common.Pipeline, g *graph.Graph, prior store.State, opts Options) Result {
	n := g.Len()
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	// --- Phase A: status normalization from on-disk tags ---
	priorStatus := make([]common.Status, n)
	priorLog := make([]string, n)
	for i, name := range g.Names {
		st, ok := prior.Status[name]
		if !ok {
			st = common.StatusNone
		}
		lg := prior.Logs[name]

		if st.IsInFlight() {
			st, lg = normalizeInFlight(opts.Layout, name, lg, log)
		}
		priorStatus[i] = st
		priorLog[i] = lg
	}

	// --- Phase B: seed restart set ---
	restart := make([]bool, n)
	for i, name := range g.Names {
		job := pl.Jobs[i]
		if seedRestart(name, job.Descriptor, priorStatus[i], prior, opts) {
			restart[i] = true
		}
	}

	// --- Phase C: closure to fixpoint ---
	closeFixpoint(g, restart)

	// --- Phase D: final status assignment ---
	status := make([]common.Status, n)
	logs := make([]string, n)
	restarted, skipped := 0, 0
	for i := range g.Names {
		if !restart[i] && priorStatus[i] == common.StatusFinished {
			status[i] = common.StatusFinished
			logs[i] = priorLog[i]
			skipped++
			continue
		}
		status[i] = common.StatusNone
		logs[i] = ""
		if restart[i] {
			restarted++
		}
	}

	return Result{Restart: restart, Status: status, Logs: logs, RestartedCount: restarted, SkippedCount: skipped}
}

// normalizeInFlight probes the tag files for a job whose prior status
// was submitted/running. If <job>.finished exists, the status is
// promoted to finished and the log text is harvested; otherwise the job
// was interrupted mid-flight and is reverted to none.
func normalizeInFlight(layout paths.Layout, job, priorLog string, log *logrus.Logger) (common.Status, string) {
	if _, err := os.Stat(layout.Finished(job)); err == nil {
		harvested := priorLog
		if b, err := os.ReadFile(layout.Log(job)); err == nil {
			harvested = string(b)
		}
		if b, err := os.ReadFile(layout.OQsub(job)); err == nil {
			harvested += string(b)
		}
		if b, err := os.ReadFile(layout.EQsub(job)); err == nil {
			harvested += string(b)
		}
		return common.StatusFinished, harvested
	}
	log.WithField("job", job).Debug("job was in flight with no finished tag; treating as interrupted")
	return common.StatusNone, ""
}

// seedRestart implements phase B's three conditions.
func seedRestart(name string, desc common.Descriptor, priorSt common.Status, prior store.State, opts Options) bool {
	switch priorSt {
	case common.StatusNone, common.StatusFailed, common.StatusSubmitted, common.StatusExit:
		return true
	}

	for _, substr := range opts.Restart {
		if substr != "" && strings.Contains(name, substr) {
			return true
		}
	}

	if opts.FlagUpdate {
		priorDesc, existed := prior.Jobs[name]
		if !existed {
			return true
		}
		if !cmp.Equal(desc, priorDesc) {
			return true
		}
	}
	return false
}

// closeFixpoint iterates the descendant and missing-input-ancestor
// closures until an iteration adds no new restarted job. Restart is
// monotone (entries only ever flip false->true), so this always
// terminates within len(restart) iterations.
func closeFixpoint(g *graph.Graph, restart []bool) {
	adj := g.Snapshot()
	n := len(restart)

	for {
		changed := false

		// Descendant closure.
		for i := 0; i < n; i++ {
			if !restart[i] {
				continue
			}
			for _, d := range graph.Descendants(adj, i) {
				if !restart[d] {
					restart[d] = true
					changed = true
				}
			}
		}

		// Ancestor closure for missing inputs: a restarted job is only
		// reproducible if every edge in its ancestry still has its
		// files on disk. Walk each restarted job's ancestor set and,
		// for every edge feeding into it, mark the producer when any
		// of the edge's files is missing (unless the producer is
		// already restarted and will regenerate them anyway). This is
		// what recovers a pipeline whose intermediate artifacts were
		// deleted by hand.
		for a := 0; a < n; a++ {
			if !restart[a] {
				continue
			}
			scope := append(graph.Ancestors(adj, a), a)
			for _, q := range scope {
				for _, b := range g.Parents(q) {
					if restart[b] {
						continue
					}
					for _, f := range g.EdgeFiles(b, q) {
						if !fileExists(f) {
							restart[b] = true
							changed = true
							break
						}
					}
				}
			}
		}

		if !changed {
			return
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
