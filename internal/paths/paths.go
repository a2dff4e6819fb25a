// Package paths is the single source of truth for every filename the
// rest of the system writes under a pipeline's logs directory. Nothing
// else in this module should spell out one of these names directly —
// that is exactly the kind of name-drift bug that breaks cross-run
// compatibility of the tag-file protocol.
package paths

import "path/filepath"

// Store names the aggregate state-store files (the PIPE run metadata
// plus the four per-job stores), each kept as a ".main" file with a
// sibling ".backup" copy (see Main and Backup).
type Store string

const (
	StoreMeta    Store = "PIPE"
	StoreJobs    Store = "PIPE_jobs"
	StoreStatus  Store = "PIPE_status"
	StoreLogs    Store = "PIPE_logs"
	StoreProfile Store = "PIPE_profile"
)

// Layout resolves every path the manager touches, rooted at one logs
// directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dir.
func New(dir string) Layout { return Layout{Root: dir} }

// Main returns the primary file for an aggregate store.
func (l Layout) Main(s Store) string { return filepath.Join(l.Root, string(s)+".main") }

// Backup returns the backup file for an aggregate store.
func (l Layout) Backup(s Store) string { return filepath.Join(l.Root, string(s)+".backup") }

// Lock returns the lock file whose presence gates the supervisor loop.
func (l Layout) Lock() string { return filepath.Join(l.Root, "PIPE.lock") }

// History returns the append-only human-readable initialization log.
func (l Layout) History() string { return filepath.Join(l.Root, "PIPE_history.txt") }

// TmpDir returns the scratch directory holding generated wrapper scripts.
func (l Layout) TmpDir() string { return filepath.Join(l.Root, "tmp") }

// Script returns the generated wrapper script path for a job.
func (l Layout) Script(job string) string { return filepath.Join(l.TmpDir(), job+".sh") }

// Running returns the <job>.running tag file path.
func (l Layout) Running(job string) string { return filepath.Join(l.Root, job+".running") }

// Finished returns the <job>.finished tag file path.
func (l Layout) Finished(job string) string { return filepath.Join(l.Root, job+".finished") }

// Failed returns the <job>.failed tag file path.
func (l Layout) Failed(job string) string { return filepath.Join(l.Root, job+".failed") }

// Exit returns the <job>.exit tag file path.
func (l Layout) Exit(job string) string { return filepath.Join(l.Root, job+".exit") }

// Log returns the <job>.log path (payload stdout/stderr capture).
func (l Layout) Log(job string) string { return filepath.Join(l.Root, job+".log") }

// OQsub returns the <job>.oqsub path (cluster wrapper stdout).
func (l Layout) OQsub(job string) string { return filepath.Join(l.Root, job+".oqsub") }

// EQsub returns the <job>.eqsub path (cluster wrapper stderr).
func (l Layout) EQsub(job string) string { return filepath.Join(l.Root, job+".eqsub") }

// Profile returns the <job>.profile path (timing record).
func (l Layout) Profile(job string) string { return filepath.Join(l.Root, job+".profile") }

// TagFiles returns every per-job file (tags, logs, profile) that might
// exist for job; the supervisor removes them all once it has ingested
// a terminal job.
func (l Layout) TagFiles(job string) []string {
	return []string{
		l.Running(job), l.Finished(job), l.Failed(job), l.Exit(job),
		l.Log(job), l.OQsub(job), l.EQsub(job), l.Profile(job),
	}
}

// PurgeGlobs returns the glob patterns the filesystem preparer sweeps
// across the whole logs directory before a run starts.
func (l Layout) PurgeGlobs() []string {
	suffixes := []string{".running", ".failed", ".finished", ".exit", ".log", ".oqsub", ".eqsub"}
	globs := make([]string, len(suffixes))
	for i, s := range suffixes {
		globs[i] = filepath.Join(l.Root, "*"+s)
	}
	return globs
}

// TruncatedName truncates a job name to the cluster backend's job-name
// display limit (qsub/msub: 15 characters).
func TruncatedName(job string, limit int) string {
	if len(job) <= limit {
		return job
	}
	return job[:limit]
}
