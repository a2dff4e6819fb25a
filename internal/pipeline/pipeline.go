// Package pipeline is the initializer: it validates a user-declared
// pipeline, builds its dependency graph, diffs it against the persisted
// state of any prior run, computes the restart plan, prepares the
// filesystem, and persists the merged state the supervisor will run
// from. It is the only component that writes a brand-new run into a
// logs directory.
package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"pipemgr/internal/common"
	"pipemgr/internal/fsprep"
	"pipemgr/internal/graph"
	"pipemgr/internal/paths"
	"pipemgr/internal/planner"
	"pipemgr/internal/store"
)

// InitOptions configures one initialization.
type InitOptions struct {
	PathSearch  string
	Restart     []string
	FlagUpdate  bool
	FlagPause   bool
	FlagClean   bool
	FlagVerbose bool
	Log         *logrus.Logger
	// Confirm overrides the operator prompt used when FlagPause is set;
	// nil means prompt on stdin.
	Confirm func(missing []string) bool
}

// InitResult is what the initializer hands back to the caller: the
// canonical path of the PIPE store, plus everything the supervisor
// needs to run the plan without re-loading it from disk.
type InitResult struct {
	PipePath string
	Graph    *graph.Graph
	State    store.State
	Plan     planner.Result
}

// Init runs the full initialization sequence against a logs directory.
// Structural validation failures (cycles, duplicate outputs, commands
// missing) are fatal and happen before any mutation of the logs
// directory.
func Init(layout paths.Layout, pl common.Pipeline, opts InitOptions) (InitResult, error) {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	if err := validateCommands(pl); err != nil {
		return InitResult{}, err
	}
	if err := graph.Validate(pl); err != nil {
		return InitResult{}, err
	}
	g, err := graph.Build(pl)
	if err != nil {
		return InitResult{}, err
	}

	// Prior state, if any. Corrupt main files fall back to backups
	// inside the store; a completely unreadable state is fatal here
	// because planning against garbage would silently restart the world.
	st := store.New(layout, log)
	prior, err := st.Load()
	if err != nil {
		return InitResult{}, fmt.Errorf("loading prior state: %w", err)
	}

	plan := planner.Plan(pl, g, prior, planner.Options{
		Restart:    opts.Restart,
		FlagUpdate: opts.FlagUpdate,
		Layout:     layout,
		Log:        log,
	})
	log.WithFields(logrus.Fields{
		"jobs":      g.Len(),
		"restarted": plan.RestartedCount,
		"skipped":   plan.SkippedCount,
	}).Info("restart plan computed")

	// Filesystem preparation happens after planning (phase A reads the
	// very tag files prepare purges) and before persisting the new
	// state.
	if err := fsprep.Prepare(layout, pl, g, plan.Status, fsprep.Options{
		FlagClean: opts.FlagClean,
		FlagPause: opts.FlagPause,
		Log:       log,
		Confirm:   opts.Confirm,
	}); err != nil {
		return InitResult{}, err
	}

	next := buildState(pl, g, plan, prior, opts.PathSearch)
	merged := store.MergeWithPrior(next, prior)
	if err := st.Save(merged); err != nil {
		return InitResult{}, fmt.Errorf("persisting initialized state: %w", err)
	}
	if err := store.AppendHistory(layout, merged.Meta, plan.RestartedCount, plan.SkippedCount); err != nil {
		log.WithField("error", err).Warn("failed to append run history")
	}

	return InitResult{
		PipePath: layout.Main(paths.StoreMeta),
		Graph:    g,
		State:    merged,
		Plan:     plan,
	}, nil
}

// MissingCommandError reports jobs declared without a command; such a
// descriptor can never be run and the pipeline is rejected before any
// logs-directory mutation.
type MissingCommandError struct {
	Jobs []string
}

func (e *MissingCommandError) Error() string {
	return fmt.Sprintf("jobs with no command: %v", e.Jobs)
}

func validateCommands(pl common.Pipeline) error {
	var bad []string
	for _, j := range pl.Jobs {
		if j.Descriptor.Command == "" {
			bad = append(bad, j.Name)
		}
	}
	if len(bad) > 0 {
		return &MissingCommandError{Jobs: bad}
	}
	return nil
}

// buildState assembles the new run's state: all four maps carry exactly
// the pipeline's job names, so the key-set parity invariant holds from
// the very first persist.
func buildState(pl common.Pipeline, g *graph.Graph, plan planner.Result, prior store.State, pathSearch string) store.State {
	st := store.NewState()
	st.Meta = store.NewRunMeta(pathSearch, g.Names)
	for i, j := range pl.Jobs {
		st.Jobs[j.Name] = j.Descriptor
		st.Status[j.Name] = plan.Status[i]
		st.Logs[j.Name] = plan.Logs[i]
		// A job kept finished keeps its prior timing record; everything
		// else starts from a blank profile.
		if plan.Status[i] == common.StatusFinished {
			st.Profile[j.Name] = prior.Profile[j.Name]
		} else {
			st.Profile[j.Name] = common.Profile{}
		}
	}
	return st
}

// FromState reconstructs a Pipeline from a persisted state, in the job
// order recorded at initialization. Used by resume and status flows
// that have no pipeline definition file at hand.
func FromState(st store.State) (common.Pipeline, error) {
	pl := common.Pipeline{Jobs: make([]common.Job, 0, len(st.Meta.JobNames))}
	for _, name := range st.Meta.JobNames {
		desc, ok := st.Jobs[name]
		if !ok {
			return common.Pipeline{}, fmt.Errorf("state store is missing descriptor for job %q", name)
		}
		pl.Jobs = append(pl.Jobs, common.Job{Name: name, Descriptor: desc})
	}
	return pl, nil
}
