// Package graph builds and validates the job dependency DAG: from each
// job's declared files_in/files_out/files_clean, it produces the
// adjacency structure the planner and supervisor walk, with indices
// aligned to the pipeline's declaration order.
package graph

import (
	"fmt"
	"sort"

	"pipemgr/internal/common"
)

// Graph is the dependency DAG over a pipeline's jobs, indexed by
// declaration order rather than keyed by name: hot paths (the planner's
// fixpoint, the supervisor's poll loop) do index lookups instead of map
// lookups, and status/log/profile slices zip trivially against it.
type Graph struct {
	Names   []string       // index -> job name, declaration order
	indexOf map[string]int // job name -> index

	// adj[i][j] is true iff there is an edge i -> j (i produces/cleans
	// a file j consumes).
	adj [][]bool

	// edgeFiles[i][j] is the set of files that induced the edge i -> j.
	edgeFiles map[[2]int][]string
}

// IndexOf returns the index of a job name, or (-1, false) if unknown.
func (g *Graph) IndexOf(name string) (int, bool) {
	i, ok := g.indexOf[name]
	if !ok {
		return -1, false
	}
	return i, true
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int { return len(g.Names) }

// HasEdge reports whether there is an edge from -> to.
func (g *Graph) HasEdge(from, to int) bool { return g.adj[from][to] }

// ClearOutgoing removes every outgoing edge from i. Used by the
// supervisor when a job finishes, so descendants can become ready.
func (g *Graph) ClearOutgoing(i int) {
	for j := range g.adj[i] {
		g.adj[i][j] = false
	}
}

// Parents returns the indices of jobs with an edge into i. The file set
// behind each edge is available from EdgeFiles.
func (g *Graph) Parents(i int) []int {
	var out []int
	for p := 0; p < len(g.adj); p++ {
		if g.adj[p][i] {
			out = append(out, p)
		}
	}
	return out
}

// EdgeFiles returns the file set that induced the edge from -> to.
func (g *Graph) EdgeFiles(from, to int) []string { return g.edgeFiles[[2]int{from, to}] }

// Children returns the indices of jobs i has an edge into.
func (g *Graph) Children(i int) []int {
	var out []int
	for j, ok := range g.adj[i] {
		if ok {
			out = append(out, j)
		}
	}
	return out
}

// InDegree returns the number of remaining in-edges into i (in the
// current, possibly mutated, adjacency — not necessarily the original).
func (g *Graph) InDegree(i int) int {
	n := 0
	for p := 0; p < len(g.adj); p++ {
		if g.adj[p][i] {
			n++
		}
	}
	return n
}

// Build produces the dependency DAG for a pipeline. There is an edge
// B -> A iff files_in(A) intersects files_out(B) union files_clean(B).
// Duplicate edges are coalesced and their file sets unioned.
func Build(p common.Pipeline) (*Graph, error) {
	g := &Graph{
		Names:     p.Names(),
		indexOf:   make(map[string]int, len(p.Jobs)),
		edgeFiles: make(map[[2]int][]string),
	}
	for i, name := range g.Names {
		g.indexOf[name] = i
	}
	g.adj = make([][]bool, len(g.Names))
	for i := range g.adj {
		g.adj[i] = make([]bool, len(g.Names))
	}

	// Invert files_out/files_clean into a path -> producer index.
	// A path produced (or cleaned) by more than one job keeps every such
	// job in its list, and each gets an edge to the consumers. The
	// builder reports no conflict; the DAG validator reports paths that
	// appear in more than one job's files_out (cleaned paths are not
	// checked).
	producer := make(map[string][]int)
	for i, job := range p.Jobs {
		for _, f := range job.Descriptor.RealFilesOut() {
			producer[f] = append(producer[f], i)
		}
		for _, f := range job.Descriptor.RealFilesClean() {
			producer[f] = append(producer[f], i)
		}
	}

	for a, job := range p.Jobs {
		for _, f := range job.Descriptor.RealFilesIn() {
			for _, b := range producer[f] {
				if b == a {
					continue
				}
				if !g.adj[b][a] {
					g.adj[b][a] = true
				}
				key := [2]int{b, a}
				g.edgeFiles[key] = appendUnique(g.edgeFiles[key], f)
			}
		}
	}
	return g, nil
}

func appendUnique(set []string, f string) []string {
	for _, existing := range set {
		if existing == f {
			return set
		}
	}
	out := append(set, f)
	sort.Strings(out)
	return out
}

// Descendants returns the transitive closure of jobs reachable from
// start (not including start itself), via the original (unmutated)
// adjacency passed in adj.
func Descendants(adj [][]bool, start int) []int {
	n := len(adj)
	seen := make([]bool, n)
	var stack []int
	stack = append(stack, start)
	var out []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for j := 0; j < n; j++ {
			if adj[cur][j] && !seen[j] {
				seen[j] = true
				out = append(out, j)
				stack = append(stack, j)
			}
		}
	}
	return out
}

// Ancestors returns the transitive closure of jobs that can reach
// start (not including start itself), via the adjacency passed in adj.
func Ancestors(adj [][]bool, start int) []int {
	n := len(adj)
	seen := make([]bool, n)
	stack := []int{start}
	var out []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for p := 0; p < n; p++ {
			if adj[p][cur] && !seen[p] {
				seen[p] = true
				out = append(out, p)
				stack = append(stack, p)
			}
		}
	}
	return out
}

// Snapshot returns a deep copy of the current adjacency matrix, so a
// caller (the planner) can compute descendant/ancestor closures against
// a stable view while the supervisor later mutates the live graph.
func (g *Graph) Snapshot() [][]bool {
	out := make([][]bool, len(g.adj))
	for i, row := range g.adj {
		out[i] = append([]bool(nil), row...)
	}
	return out
}

// String is a debug helper; not used on any hot path.
func (g *Graph) String() string {
	return fmt.Sprintf("graph{%d jobs}", len(g.Names))
}
