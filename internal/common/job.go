// Package common holds the types shared between every layer of the
// pipeline manager: job descriptors, the pipeline they form, and the
// status values the supervisor assigns them.
package common

import "sort"

// OmittedSentinel is the literal value a user may supply in place of a
// path or option to mean "skip this". The builder and planner both
// treat it as if the field were empty rather than a real path.
const OmittedSentinel = "omitted"

// MaxJobNameDisplay is the length cluster backends truncate a job name
// to when deriving a queue job name (qsub/msub job-name limit).
const MaxJobNameDisplay = 15

// Descriptor is the immutable definition of a single job within a run.
// Two descriptors are compared structurally (not by identity) to decide
// whether a job's definition changed since the last run.
type Descriptor struct {
	Command     string                 `json:"command"`
	FilesIn     []string               `json:"files_in"`
	FilesOut    []string               `json:"files_out"`
	FilesClean  []string               `json:"files_clean"`
	Opt         map[string]interface{} `json:"opt,omitempty"`
}

// Job pairs a stable name with its descriptor. Names are the identifier
// used everywhere else in the system — across the graph, the state
// store, and the tag-file protocol.
type Job struct {
	Name       string     `json:"name"`
	Descriptor Descriptor `json:"descriptor"`
}

// Pipeline is the user-declared set of jobs for one run, in the order
// they were declared. Order is preserved because it is the tie-break
// used by the supervisor when multiple jobs become ready simultaneously.
type Pipeline struct {
	Jobs []Job
}

// Names returns the job names in declaration order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p.Jobs))
	for i, j := range p.Jobs {
		names[i] = j.Name
	}
	return names
}

// ByName returns a lookup map built from the pipeline's jobs. Useful for
// one-off lookups; hot paths should use graph.Graph's index instead.
func (p Pipeline) ByName() map[string]Descriptor {
	out := make(map[string]Descriptor, len(p.Jobs))
	for _, j := range p.Jobs {
		out[j.Name] = j.Descriptor
	}
	return out
}

// realPaths returns paths with the omitted sentinel and blanks
// stripped out, sorted.
func realPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || p == OmittedSentinel {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RealFilesIn is the canonical (sentinel-stripped, sorted) view of a
// descriptor's declared inputs.
func (d Descriptor) RealFilesIn() []string { return realPaths(d.FilesIn) }

// RealFilesOut is the canonical view of a descriptor's declared outputs.
func (d Descriptor) RealFilesOut() []string { return realPaths(d.FilesOut) }

// RealFilesClean is the canonical view of a descriptor's declared cleanup set.
func (d Descriptor) RealFilesClean() []string { return realPaths(d.FilesClean) }
