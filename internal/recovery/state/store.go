// Package state is the on-disk run ledger.
//
// Every pipeline pass gets a directory under <stateDir>/runs/<run-id>/
// holding run.json, an optional failure.json and one file per checkpoint.
// The ledger is observational: nothing in the controller reads it back.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	runFile        = "run.json"
	failureFile    = "failure.json"
	checkpointsDir = "checkpoints"
)

// record is anything the store persists.
type record interface {
	Validate() error
}

// Store provides persistent storage for run records.
//
// Writes go to a temporary file that is synced and renamed into place, so
// a crash leaves either the previous record or the new one.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir. The directory is created lazily
// on the first write.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state dir is required")
	}
	return &Store{root: dir}, nil
}

// Dir returns the ledger root.
func (s *Store) Dir() string { return s.root }

// RunDir is the directory holding the records of one run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) checkpointPath(runID string, position int) string {
	return filepath.Join(s.RunDir(runID), checkpointsDir, fmt.Sprintf("%04d.json", position))
}

// ListRunIDs returns the IDs of every run directory, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RecentRuns loads up to limit runs, newest first. Unreadable run
// directories are skipped. A limit <= 0 returns every run.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		if run, err := s.LoadRun(id); err == nil {
			runs = append(runs, run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Prune removes all but the keep most recent run directories and reports
// how many were removed. Runs are ordered by their recorded start time; a
// directory whose run.json cannot be loaded is dated by its modification
// time so that it is still pruned.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0, got %d", keep)
	}
	ids, err := s.ListRunIDs()
	if err != nil {
		return 0, err
	}
	type dated struct {
		id string
		at time.Time
	}
	dirs := make([]dated, 0, len(ids))
	for _, id := range ids {
		if run, err := s.LoadRun(id); err == nil {
			dirs = append(dirs, dated{id, run.StartTime})
			continue
		}
		info, err := os.Stat(s.RunDir(id))
		if err != nil {
			return 0, err
		}
		dirs = append(dirs, dated{id, info.ModTime()})
	}
	sort.SliceStable(dirs, func(i, j int) bool { return dirs[i].at.After(dirs[j].at) })

	removed := 0
	for i := keep; i < len(dirs); i++ {
		id := dirs[i].id
		if err := os.RemoveAll(s.RunDir(id)); err != nil {
			return removed, fmt.Errorf("remove run %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// SaveRun writes run.json, replacing any previous version.
func (s *Store) SaveRun(run Run) error {
	if run.Stages == nil {
		run.Stages = []StageEntry{}
	}
	return s.save("run", filepath.Join(s.RunDir(run.RunID), runFile), &run)
}

// LoadRun reads and validates run.json.
func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.load("run", runID, filepath.Join(s.RunDir(runID), runFile), &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// SaveCheckpoint writes the checkpoint record for one stage position.
func (s *Store) SaveCheckpoint(runID string, cp Checkpoint) error {
	if err := requireRunID(runID); err != nil {
		return err
	}
	// Lists serialize as [] rather than null.
	if cp.Existing == nil {
		cp.Existing = []string{}
	}
	if cp.Missing == nil {
		cp.Missing = []string{}
	}
	return s.save("checkpoint", s.checkpointPath(runID, cp.Position), &cp)
}

// LoadCheckpoints loads all checkpoint records of a run in position order.
func (s *Store) LoadCheckpoints(runID string) ([]Checkpoint, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	if err := requireRunID(runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.RunDir(runID), checkpointsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Checkpoint{}, nil
	}
	if err != nil {
		return nil, err
	}
	// File names are zero-padded positions and os.ReadDir sorts by name.
	out := make([]Checkpoint, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var cp Checkpoint
		if err := s.load("checkpoint "+e.Name(), runID, filepath.Join(dir, e.Name()), &cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// SaveFailure writes failure.json for an aborted run.
func (s *Store) SaveFailure(runID string, f Failure) error {
	if err := requireRunID(runID); err != nil {
		return err
	}
	return s.save("failure", filepath.Join(s.RunDir(runID), failureFile), &f)
}

// LoadFailure returns the failure record of a run. The error wraps
// os.ErrNotExist when the run did not fail.
func (s *Store) LoadFailure(runID string) (Failure, error) {
	var f Failure
	if err := s.load("failure", runID, filepath.Join(s.RunDir(runID), failureFile), &f); err != nil {
		return Failure{}, err
	}
	return f, nil
}

func (s *Store) save(kind, path string, r record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", kind, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (s *Store) load(kind, runID, path string, r record) error {
	if err := requireRunID(runID); err != nil {
		return err
	}
	if err := decodeFile(path, r); err != nil {
		return fmt.Errorf("load %s: %w", kind, err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid %s on disk: %w", kind, err)
	}
	return nil
}

func requireRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	return nil
}

// decodeFile decodes exactly one JSON value and rejects unknown fields.
func decodeFile(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing content after JSON value")
	}
	return nil
}

// writeAtomic replaces path with data via a synced temp file and rename,
// then syncs the directory so the rename itself is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(name)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return err
	}
	ok = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
