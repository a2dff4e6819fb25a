package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pipemgr/internal/backend"
	"pipemgr/internal/common"
	"pipemgr/internal/graph"
	"pipemgr/internal/logging"
	"pipemgr/internal/paths"
	"pipemgr/internal/store"
)

// harness bundles everything a supervisor test needs: the pipeline, its
// graph, a state seeded to all-none, and a layout under a temp dir.
type harness struct {
	layout paths.Layout
	pl     common.Pipeline
	g      *graph.Graph
	st     *store.Store
	state  store.State
}

func newHarness(t *testing.T, pl common.Pipeline) *harness {
	t.Helper()
	layout := paths.New(t.TempDir())
	g, err := graph.Build(pl)
	if err != nil {
		t.Fatal(err)
	}
	state := store.NewState()
	state.Meta = store.NewRunMeta("", g.Names)
	for _, j := range pl.Jobs {
		state.Jobs[j.Name] = j.Descriptor
		state.Status[j.Name] = common.StatusNone
		state.Logs[j.Name] = ""
		state.Profile[j.Name] = common.Profile{}
	}
	return &harness{
		layout: layout,
		pl:     pl,
		g:      g,
		st:     store.New(layout, logging.Discard()),
		state:  state,
	}
}

func (h *harness) supervisor(t *testing.T, be backend.Backend, maxQueued int) *Supervisor {
	t.Helper()
	return New(h.layout, h.pl, h.g, h.st, h.state, Options{
		Backend:           be,
		MaxQueued:         maxQueued,
		TimeBetweenChecks: 10 * time.Millisecond,
		Log:               logging.Discard(),
	})
}

func (h *harness) sessionBackend(t *testing.T) backend.Backend {
	t.Helper()
	be, err := backend.New("session", backend.Options{Layout: h.layout, Log: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	return be
}

// diamond builds A -> {B, C} -> D where every job writes its own output,
// appends its name to a shared order file, so completion order can be
// asserted, and prints a line to stdout, so its log is not empty.
func diamond(t *testing.T) (common.Pipeline, string) {
	t.Helper()
	dataDir := t.TempDir()
	orderFile := filepath.Join(dataDir, "order.txt")
	out := func(n string) string { return filepath.Join(dataDir, n+".out") }
	mk := func(name string, in []string) common.Job {
		return common.Job{Name: name, Descriptor: common.Descriptor{
			Command:  fmt.Sprintf("echo %s >> %s && echo data > %s && echo %s done", name, orderFile, out(name), name),
			FilesIn:  in,
			FilesOut: []string{out(name)},
		}}
	}
	pl := common.Pipeline{Jobs: []common.Job{
		mk("A", nil),
		mk("B", []string{out("A")}),
		mk("C", []string{out("A")}),
		mk("D", []string{out("B"), out("C")}),
	}}
	return pl, dataDir
}

func TestDiamondRunsToCompletion(t *testing.T) {
	pl, dataDir := diamond(t)
	h := newHarness(t, pl)
	sup := h.supervisor(t, h.sessionBackend(t), 2)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sup.Failed() != 0 {
		t.Fatalf("failed count: %d", sup.Failed())
	}

	final, err := h.st.Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		if final.Status[name] != common.StatusFinished {
			t.Errorf("job %s: status %s, want finished", name, final.Status[name])
		}
		if final.Logs[name] == "" {
			t.Errorf("job %s: log not ingested", name)
		}
		if final.Profile[name].ElapsedSec < 0 || final.Profile[name].StartedAt == "" {
			t.Errorf("job %s: profile not ingested: %+v", name, final.Profile[name])
		}
	}

	if _, err := os.Stat(filepath.Join(dataDir, "D.out")); err != nil {
		t.Error("final output missing")
	}

	// D must come last; A must come first.
	order, err := os.ReadFile(filepath.Join(dataDir, "order.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(order); got[:1] != "A" || got[len(got)-2:len(got)-1] != "D" {
		t.Errorf("execution order violated dependencies: %q", got)
	}

	// Tag files are consumed on ingestion.
	for _, name := range []string{"A", "B", "C", "D"} {
		for _, tag := range h.layout.TagFiles(name) {
			if _, err := os.Stat(tag); !os.IsNotExist(err) {
				t.Errorf("tag file survived ingestion: %s", tag)
			}
		}
	}

	// The lock is released on normal exit.
	if _, err := os.Stat(h.layout.Lock()); !os.IsNotExist(err) {
		t.Error("lock file survived a clean run")
	}
}

func TestFailureCascadeSkipsDescendants(t *testing.T) {
	pl, dataDir := diamond(t)
	// C fails after writing nothing.
	pl.Jobs[2].Descriptor.Command = "exit 1"
	h := newHarness(t, pl)
	sup := h.supervisor(t, h.sessionBackend(t), 2)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sup.Failed() != 1 {
		t.Errorf("failed count: got %d, want 1", sup.Failed())
	}

	final, err := h.st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if final.Status["C"] != common.StatusFailed {
		t.Errorf("C status: %s, want failed", final.Status["C"])
	}
	if final.Status["B"] != common.StatusFinished {
		t.Errorf("B status: %s, want finished (independent of C)", final.Status["B"])
	}
	if final.Status["D"] != common.StatusNone {
		t.Errorf("D status: %s, want none (skipped)", final.Status["D"])
	}
	if _, err := os.Stat(filepath.Join(dataDir, "D.out")); !os.IsNotExist(err) {
		t.Error("skipped job produced output")
	}
	if _, err := os.Stat(h.layout.Lock()); !os.IsNotExist(err) {
		t.Error("lock not released after failure cascade")
	}
}

// blackHoleBackend accepts submissions and never produces any tags, so
// submitted jobs look in-flight forever.
type blackHoleBackend struct {
	mu        sync.Mutex
	submitted []string
}

func (b *blackHoleBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, job)
	return nil
}

func TestLockRemovalInterruptsRun(t *testing.T) {
	pl, _ := diamond(t)
	h := newHarness(t, pl)
	be := &blackHoleBackend{}
	sup := h.supervisor(t, be, 2)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	// Wait for the lock to appear, then rip it out.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(h.layout.Lock()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := os.Remove(h.layout.Lock()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("interrupted run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not notice the missing lock")
	}

	// In-flight jobs stay submitted in the persisted state, ready for a
	// later initialization to normalize.
	final, err := h.st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if final.Status["A"] != common.StatusSubmitted {
		t.Errorf("A status after interrupt: %s, want submitted", final.Status["A"])
	}
}

func TestBoundedConcurrency(t *testing.T) {
	// Ten independent jobs through a backend that records the running
	// set's high-water mark by counting unconsumed submissions.
	dataDir := t.TempDir()
	var jobs []common.Job
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("job%02d", i)
		out := filepath.Join(dataDir, name+".out")
		jobs = append(jobs, common.Job{Name: name, Descriptor: common.Descriptor{
			Command:  "echo x > " + out,
			FilesOut: []string{out},
		}})
	}
	h := newHarness(t, common.Pipeline{Jobs: jobs})

	be := &countingBackend{inner: h.sessionBackend(t), layout: h.layout}
	sup := h.supervisor(t, be, 3)
	if err := sup.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if be.maxInFlight > 3 {
		t.Errorf("in-flight high-water mark %d exceeds max_queued 3", be.maxInFlight)
	}
	final, _ := h.st.Load()
	for _, j := range jobs {
		if final.Status[j.Name] != common.StatusFinished {
			t.Errorf("%s: %s", j.Name, final.Status[j.Name])
		}
	}
}

// countingBackend wraps a real backend and tracks how many submissions
// are outstanding before their tags are consumed. With the session
// backend each Submit completes synchronously and leaves an outcome tag
// that the supervisor consumes on a later tick, so the outcome tags
// still on disk plus the job being submitted are the in-flight set.
type countingBackend struct {
	inner       backend.Backend
	layout      paths.Layout
	maxInFlight int
}

func (c *countingBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	finished, _ := filepath.Glob(filepath.Join(c.layout.Root, "*.finished"))
	failed, _ := filepath.Glob(filepath.Join(c.layout.Root, "*.failed"))
	if n := len(finished) + len(failed) + 1; n > c.maxInFlight {
		c.maxInFlight = n
	}
	return c.inner.Submit(ctx, job, desc)
}

func TestEmptyPipelineReturnsImmediately(t *testing.T) {
	h := newHarness(t, common.Pipeline{})
	sup := h.supervisor(t, &blackHoleBackend{}, 2)

	start := time.Now()
	if err := sup.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("empty pipeline did not return promptly")
	}
	if _, err := os.Stat(h.layout.Lock()); !os.IsNotExist(err) {
		t.Error("lock survived an empty run")
	}
}

func TestRefusesSecondSupervisor(t *testing.T) {
	pl, _ := diamond(t)
	h := newHarness(t, pl)
	if err := os.WriteFile(h.layout.Lock(), []byte("someone-else\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sup := h.supervisor(t, &blackHoleBackend{}, 1)
	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("second supervisor acquired an already-locked logs directory")
	}
	// The foreign lock must be left in place.
	if _, err := os.Stat(h.layout.Lock()); err != nil {
		t.Error("foreign lock file was removed")
	}
}

func TestFinishedJobsAreNotResubmitted(t *testing.T) {
	pl, _ := diamond(t)
	h := newHarness(t, pl)
	// A and B already finished in a prior run; their outputs exist.
	for _, name := range []string{"A", "B"} {
		h.state.Status[name] = common.StatusFinished
		h.state.Logs[name] = "prior log"
	}
	for _, j := range pl.Jobs[:2] {
		for _, f := range j.Descriptor.RealFilesOut() {
			if err := os.WriteFile(f, []byte("data"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	be := &blackHoleBackend{}
	inner := h.sessionBackend(t)
	relay := &relayBackend{inner: inner, seen: be}
	sup := h.supervisor(t, relay, 4)
	if err := sup.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, job := range be.submitted {
		if job == "A" || job == "B" {
			t.Errorf("finished job %s was resubmitted", job)
		}
	}
	final, _ := h.st.Load()
	if final.Logs["A"] != "prior log" {
		t.Error("finished job's log was overwritten")
	}
	if final.Status["D"] != common.StatusFinished {
		t.Errorf("D did not run to completion: %s", final.Status["D"])
	}
}

// relayBackend records submissions in seen and delegates to inner.
type relayBackend struct {
	inner backend.Backend
	seen  *blackHoleBackend
}

func (r *relayBackend) Submit(ctx context.Context, job string, desc common.Descriptor) error {
	if err := r.seen.Submit(ctx, job, desc); err != nil {
		return err
	}
	return r.inner.Submit(ctx, job, desc)
}
