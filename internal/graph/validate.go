package graph

import (
	"fmt"
	"sort"
	"strings"

	"pipemgr/internal/common"
)

// CycleError is returned by Validate when the dependency graph contains
// at least one cycle. Jobs lists every job name that participates in a
// cycle (not just one representative cycle).
type CycleError struct {
	Jobs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving jobs: %s", strings.Join(e.Jobs, ", "))
}

// DuplicateOutputError is returned by Validate when two or more jobs
// declare the same output path.
type DuplicateOutputError struct {
	// Paths maps an offending output path to the jobs that produce it.
	Paths map[string][]string
}

func (e *DuplicateOutputError) Error() string {
	var parts []string
	for _, path := range e.sortedPaths() {
		parts = append(parts, fmt.Sprintf("%s produced by [%s]", path, strings.Join(e.Paths[path], ", ")))
	}
	return "duplicate job outputs: " + strings.Join(parts, "; ")
}

func (e *DuplicateOutputError) sortedPaths() []string {
	paths := make([]string, 0, len(e.Paths))
	for p := range e.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Validate checks a pipeline's structural invariants: acyclicity and
// output-path uniqueness. It returns a *CycleError or
// *DuplicateOutputError on failure; either is fatal to the
// initializer and must not mutate the logs directory.
func Validate(p common.Pipeline) error {
	if err := validateOutputUniqueness(p); err != nil {
		return err
	}
	g, err := Build(p)
	if err != nil {
		return err
	}
	return validateAcyclic(g)
}

// validateOutputUniqueness scans files_out across all jobs. files_clean
// is deliberately excluded: a path may legitimately appear in one job's
// files_out and another's files_clean, which produces a
// cleaner->consumer edge (the consumer depends on the cleaner), not a
// duplicate-output error.
func validateOutputUniqueness(p common.Pipeline) error {
	producers := make(map[string][]string)
	for _, job := range p.Jobs {
		for _, f := range job.Descriptor.RealFilesOut() {
			producers[f] = append(producers[f], job.Name)
		}
	}
	dups := make(map[string][]string)
	for path, jobs := range producers {
		if len(jobs) > 1 {
			sorted := append([]string(nil), jobs...)
			sort.Strings(sorted)
			dups[path] = sorted
		}
	}
	if len(dups) > 0 {
		return &DuplicateOutputError{Paths: dups}
	}
	return nil
}

// validateAcyclic runs a standard DFS with gray/black coloring over g
// and collects every job participating in at least one cycle.
func validateAcyclic(g *Graph) error {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, g.Len())
	var inCycle []bool = make([]bool, g.Len())
	found := false

	var visit func(i int, stack []int)
	visit = func(i int, stack []int) {
		color[i] = gray
		stack = append(stack, i)
		for j := 0; j < g.Len(); j++ {
			if !g.adj[i][j] {
				continue
			}
			switch color[j] {
			case white:
				visit(j, stack)
			case gray:
				found = true
				// Mark every node on the stack from j's first
				// occurrence onward as participating in the cycle.
				start := 0
				for k, s := range stack {
					if s == j {
						start = k
						break
					}
				}
				for _, s := range stack[start:] {
					inCycle[s] = true
				}
				inCycle[j] = true
			}
		}
		color[i] = black
	}

	for i := 0; i < g.Len(); i++ {
		if color[i] == white {
			visit(i, nil)
		}
	}

	if !found {
		return nil
	}
	var names []string
	for i, bad := range inCycle {
		if bad {
			names = append(names, g.Names[i])
		}
	}
	sort.Strings(names)
	return &CycleError{Jobs: names}
}
