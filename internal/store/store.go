// Package store persists the pipeline manager's control-plane state:
// the per-job descriptor, status, log, and profile maps, each backed by
// a main file plus a backup copy with its own restore protocol.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pipemgr/internal/common"
	"pipemgr/internal/paths"
)

// Meta is the content of the PIPE store: identifying information about
// the run, not keyed per-job.
type Meta struct {
	RunID      string   `json:"run_id"`
	PathSearch string   `json:"path_search,omitempty"`
	JobNames   []string `json:"job_names"`
}

// State is the full contents of all four aggregate stores plus the
// run's metadata, keyed by job name throughout.
type State struct {
	Meta    Meta
	Jobs    map[string]common.Descriptor
	Status  map[string]common.Status
	Logs    map[string]string
	Profile map[string]common.Profile
}

// NewState returns an empty State ready to be populated.
func NewState() State {
	return State{
		Jobs:    map[string]common.Descriptor{},
		Status:  map[string]common.Status{},
		Logs:    map[string]string{},
		Profile: map[string]common.Profile{},
	}
}

// Store reads and writes a State to a Layout using the main+backup
// durability protocol.
type Store struct {
	Layout paths.Layout
	Log    *logrus.Logger
}

// New returns a Store rooted at layout.
func New(layout paths.Layout, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{Layout: layout, Log: log}
}

// Load reads all four aggregate stores plus the meta store. A missing
// main file on first run is not an error: Load returns an empty State.
// A corrupt main file falls back to the backup copy and restores main
// from it.
func (s *Store) Load() (State, error) {
	st := NewState()

	if err := s.readWithFallback(paths.StoreMeta, &st.Meta); err != nil {
		return st, fmt.Errorf("loading %s: %w", paths.StoreMeta, err)
	}
	if err := s.readWithFallback(paths.StoreJobs, &st.Jobs); err != nil {
		return st, fmt.Errorf("loading %s: %w", paths.StoreJobs, err)
	}
	if err := s.readWithFallback(paths.StoreStatus, &st.Status); err != nil {
		return st, fmt.Errorf("loading %s: %w", paths.StoreStatus, err)
	}
	if err := s.readWithFallback(paths.StoreLogs, &st.Logs); err != nil {
		return st, fmt.Errorf("loading %s: %w", paths.StoreLogs, err)
	}
	if err := s.readWithFallback(paths.StoreProfile, &st.Profile); err != nil {
		return st, fmt.Errorf("loading %s: %w", paths.StoreProfile, err)
	}
	return st, nil
}

// Save writes every aggregate store's main file, then its backup.
// Each store is written whole-file: there is no per-key mutation.
func (s *Store) Save(st State) error {
	if err := s.writeBoth(paths.StoreMeta, st.Meta); err != nil {
		return err
	}
	if err := s.writeBoth(paths.StoreJobs, st.Jobs); err != nil {
		return err
	}
	if err := s.writeBoth(paths.StoreStatus, st.Status); err != nil {
		return err
	}
	if err := s.writeBoth(paths.StoreLogs, st.Logs); err != nil {
		return err
	}
	if err := s.writeBoth(paths.StoreProfile, st.Profile); err != nil {
		return err
	}
	return nil
}

// readWithFallback implements the read protocol: attempt main; on
// error (missing or corrupt), fall back to backup and restore main
// from it. Both missing is treated as "no prior state" (v stays at its
// zero value), not an error.
func (s *Store) readWithFallback(store paths.Store, v interface{}) error {
	mainPath := s.Layout.Main(store)
	backupPath := s.Layout.Backup(store)

	if err := readJSON(mainPath, v); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		s.Log.WithFields(logrus.Fields{"store": store, "error": err}).Warn("main state file corrupt, falling back to backup")
	}

	if err := readJSON(backupPath, v); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup also unreadable: %w", err)
	}
	// Restore main from the backup we just recovered.
	if err := writeJSON(mainPath, v); err != nil {
		s.Log.WithFields(logrus.Fields{"store": store, "error": err}).Warn("failed to restore main from backup")
	}
	return nil
}

func (s *Store) writeBoth(store paths.Store, v interface{}) error {
	if err := os.MkdirAll(s.Layout.Root, 0o755); err != nil {
		return err
	}
	mainPath := s.Layout.Main(store)
	backupPath := s.Layout.Backup(store)
	if err := writeJSON(mainPath, v); err != nil {
		return fmt.Errorf("writing %s: %w", store, err)
	}
	if err := writeJSON(backupPath, v); err != nil {
		return fmt.Errorf("writing %s backup: %w", store, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// MergeWithPrior unions a freshly-built State (new descriptors/status
// seeded from the current pipeline) with a prior run's State: any job
// name present only in the old run is preserved, in case it is useful
// for resuming a superset pipeline later. Keys present in both take the
// new run's descriptor (the prior descriptor belongs to the planner's
// diff step, not to the merged state).
func MergeWithPrior(next, prior State) State {
	merged := State{
		Meta:    next.Meta,
		Jobs:    mergeDescriptors(next.Jobs, prior.Jobs),
		Status:  mergeStatus(next.Status, prior.Status),
		Logs:    mergeLogs(next.Logs, prior.Logs),
		Profile: mergeProfile(next.Profile, prior.Profile),
	}
	return merged
}

func mergeDescriptors(next, prior map[string]common.Descriptor) map[string]common.Descriptor {
	out := make(map[string]common.Descriptor, len(next)+len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

func mergeStatus(next, prior map[string]common.Status) map[string]common.Status {
	out := make(map[string]common.Status, len(next)+len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

func mergeLogs(next, prior map[string]string) map[string]string {
	out := make(map[string]string, len(next)+len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

func mergeProfile(next, prior map[string]common.Profile) map[string]common.Profile {
	out := make(map[string]common.Profile, len(next)+len(prior))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// NewRunMeta builds a fresh Meta for a run about to start, stamping a
// new run id and the job-name universe.
func NewRunMeta(pathSearch string, jobNames []string) Meta {
	return Meta{RunID: uuid.NewString(), PathSearch: pathSearch, JobNames: jobNames}
}

// AppendHistory appends one line to PIPE_history.txt recording an
// initialization: timestamp, run id, and restart/skip counts.
func AppendHistory(layout paths.Layout, meta Meta, restarted, skipped int) error {
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(layout.History(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf("%s run=%s restarted=%d skipped=%d\n",
		time.Now().UTC().Format(time.RFC3339), meta.RunID, restarted, skipped)
	_, err = f.WriteString(line)
	return err
}

// EnsureDir is a small helper that guarantees a directory exists
// before writing into it.
func EnsureDir(dir string) error {
	return os.MkdirAll(filepath.Clean(dir), 0o755)
}
