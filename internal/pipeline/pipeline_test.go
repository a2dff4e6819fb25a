package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pipemgr/internal/common"
	"pipemgr/internal/graph"
	"pipemgr/internal/logging"
	"pipemgr/internal/paths"
	"pipemgr/internal/store"
)

func diamondPipeline(dataDir string) common.Pipeline {
	out := func(n string) string { return filepath.Join(dataDir, n+".out") }
	mk := func(name string, in, outs []string) common.Job {
		return common.Job{Name: name, Descriptor: common.Descriptor{Command: "gen " + name, FilesIn: in, FilesOut: outs}}
	}
	return common.Pipeline{Jobs: []common.Job{
		mk("A", nil, []string{out("A")}),
		mk("B", []string{out("A")}, []string{out("B")}),
		mk("C", []string{out("A")}, []string{out("C")}),
		mk("D", []string{out("B"), out("C")}, []string{out("D")}),
	}}
}

func defaultOpts() InitOptions {
	return InitOptions{FlagUpdate: true, FlagClean: true, Log: logging.Discard()}
}

func TestInitFreshRun(t *testing.T) {
	logsDir := t.TempDir()
	layout := paths.New(logsDir)
	pl := diamondPipeline(t.TempDir())

	res, err := Init(layout, pl, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}

	if res.PipePath != layout.Main(paths.StoreMeta) {
		t.Errorf("pipe path: %s", res.PipePath)
	}
	if res.Plan.RestartedCount != 4 {
		t.Errorf("restarted: got %d, want 4", res.Plan.RestartedCount)
	}

	// Persisted state is loadable and has full key-set parity.
	st, err := store.New(layout, logging.Discard()).Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		for what, ok := range map[string]bool{
			"descriptor": func() bool { _, ok := st.Jobs[name]; return ok }(),
			"status":     func() bool { _, ok := st.Status[name]; return ok }(),
			"log":        func() bool { _, ok := st.Logs[name]; return ok }(),
			"profile":    func() bool { _, ok := st.Profile[name]; return ok }(),
		} {
			if !ok {
				t.Errorf("job %s missing from %s store", name, what)
			}
		}
		if st.Status[name] != common.StatusNone {
			t.Errorf("job %s: status %s, want none", name, st.Status[name])
		}
	}

	// History was appended.
	if _, err := os.Stat(layout.History()); err != nil {
		t.Error("history file not written")
	}
}

// Initializing twice with nothing changed and everything finished must
// not plan any restart the second time.
func TestInitUnchangedRerun(t *testing.T) {
	logsDir := t.TempDir()
	layout := paths.New(logsDir)
	dataDir := t.TempDir()
	pl := diamondPipeline(dataDir)

	if _, err := Init(layout, pl, defaultOpts()); err != nil {
		t.Fatal(err)
	}

	// Simulate a completed supervisor pass: finished statuses, outputs
	// on disk.
	s := store.New(layout, logging.Discard())
	st, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range pl.Jobs {
		st.Status[j.Name] = common.StatusFinished
		st.Logs[j.Name] = j.Name + " output"
		for _, f := range j.Descriptor.RealFilesOut() {
			if err := os.WriteFile(f, []byte("data"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}

	res, err := Init(layout, pl, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if res.Plan.RestartedCount != 0 || res.Plan.SkippedCount != 4 {
		t.Errorf("re-run plan: restarted=%d skipped=%d, want 0/4", res.Plan.RestartedCount, res.Plan.SkippedCount)
	}

	after, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(st.Status, after.Status); diff != "" {
		t.Errorf("status map changed on unchanged re-init:\n%s", diff)
	}
	if after.Logs["B"] != "B output" {
		t.Error("finished job's log not preserved across re-init")
	}
}

func TestInitDescriptorChange(t *testing.T) {
	logsDir := t.TempDir()
	layout := paths.New(logsDir)
	dataDir := t.TempDir()
	pl := diamondPipeline(dataDir)

	if _, err := Init(layout, pl, defaultOpts()); err != nil {
		t.Fatal(err)
	}
	s := store.New(layout, logging.Discard())
	st, _ := s.Load()
	for _, j := range pl.Jobs {
		st.Status[j.Name] = common.StatusFinished
		for _, f := range j.Descriptor.RealFilesOut() {
			os.WriteFile(f, []byte("data"), 0o644)
		}
	}
	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}

	changed := diamondPipeline(dataDir)
	changed.Jobs[1].Descriptor.Command = "gen B --tuned"
	res, err := Init(layout, changed, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}

	g := res.Graph
	want := map[string]bool{"A": false, "B": true, "C": false, "D": true}
	got := map[string]bool{}
	for i, name := range g.Names {
		got[name] = res.Plan.Restart[i]
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restart set after changing B:\n%s", diff)
	}

	// flag_clean removed the restarted jobs' stale outputs, kept the rest.
	if _, err := os.Stat(filepath.Join(dataDir, "A.out")); err != nil {
		t.Error("kept job's output deleted")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "B.out")); !os.IsNotExist(err) {
		t.Error("restarted job's stale output kept")
	}
}

func TestInitRejectsBadPipelines(t *testing.T) {
	layout := paths.New(t.TempDir())

	t.Run("missing command", func(t *testing.T) {
		pl := common.Pipeline{Jobs: []common.Job{{Name: "mute", Descriptor: common.Descriptor{}}}}
		_, err := Init(layout, pl, defaultOpts())
		var mc *MissingCommandError
		if !errors.As(err, &mc) {
			t.Fatalf("want MissingCommandError, got %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		pl := common.Pipeline{Jobs: []common.Job{
			{Name: "p", Descriptor: common.Descriptor{Command: "p", FilesIn: []string{"/d/q.out"}, FilesOut: []string{"/d/p.out"}}},
			{Name: "q", Descriptor: common.Descriptor{Command: "q", FilesIn: []string{"/d/p.out"}, FilesOut: []string{"/d/q.out"}}},
		}}
		_, err := Init(layout, pl, defaultOpts())
		var ce *graph.CycleError
		if !errors.As(err, &ce) {
			t.Fatalf("want CycleError, got %v", err)
		}
	})

	t.Run("duplicate outputs", func(t *testing.T) {
		pl := common.Pipeline{Jobs: []common.Job{
			{Name: "u", Descriptor: common.Descriptor{Command: "u", FilesOut: []string{"/d/x.out"}}},
			{Name: "v", Descriptor: common.Descriptor{Command: "v", FilesOut: []string{"/d/x.out"}}},
		}}
		_, err := Init(layout, pl, defaultOpts())
		var de *graph.DuplicateOutputError
		if !errors.As(err, &de) {
			t.Fatalf("want DuplicateOutputError, got %v", err)
		}
	})

	// A rejected pipeline must leave the logs directory untouched.
	entries, err := os.ReadDir(layout.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("logs directory mutated by failed init: %v", entries)
	}
}

func TestInitEmptyPipeline(t *testing.T) {
	layout := paths.New(t.TempDir())
	res, err := Init(layout, common.Pipeline{}, defaultOpts())
	if err != nil {
		t.Fatal(err)
	}
	if res.Graph.Len() != 0 {
		t.Errorf("empty pipeline graph: %d jobs", res.Graph.Len())
	}
}

func TestInitMergePreservesSupersetJobs(t *testing.T) {
	logsDir := t.TempDir()
	layout := paths.New(logsDir)
	dataDir := t.TempDir()

	full := diamondPipeline(dataDir)
	if _, err := Init(layout, full, defaultOpts()); err != nil {
		t.Fatal(err)
	}

	// Re-initialize with only the first two jobs: the others stay in
	// the store for a later superset resumption.
	subset := common.Pipeline{Jobs: full.Jobs[:2]}
	if _, err := Init(layout, subset, defaultOpts()); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(layout, logging.Discard()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Jobs["D"]; !ok {
		t.Error("job D dropped from the store by a subset run")
	}
	if got := st.Meta.JobNames; len(got) != 2 {
		t.Errorf("current universe: %v, want the 2 subset jobs", got)
	}
}

func TestFromStateRoundTrip(t *testing.T) {
	logsDir := t.TempDir()
	layout := paths.New(logsDir)
	pl := diamondPipeline(t.TempDir())
	if _, err := Init(layout, pl, defaultOpts()); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(layout, logging.Discard()).Load()
	if err != nil {
		t.Fatal(err)
	}
	got, err := FromState(st)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(pl.Names(), got.Names()); diff != "" {
		t.Errorf("pipeline order lost across persist/rebuild:\n%s", diff)
	}
	if diff := cmp.Diff(pl.Jobs[3].Descriptor, got.Jobs[3].Descriptor); diff != "" {
		t.Errorf("descriptor changed across persist/rebuild:\n%s", diff)
	}
}
