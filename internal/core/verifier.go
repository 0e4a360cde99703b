package core

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Verifier checks declared outputs on disk.
//
// It is a pure read-only check: no file is opened, created or modified, and
// absence is reported, never returned as an error. Directories are not
// valid outputs and count as missing.
type Verifier struct {
	// BaseDir resolves relative output paths. Empty means paths are used
	// as given.
	BaseDir string

	stat func(string) (fs.FileInfo, error)
}

// NewVerifier creates a Verifier resolving relative paths under baseDir.
func NewVerifier(baseDir string) *Verifier {
	return &Verifier{BaseDir: baseDir, stat: os.Stat}
}

// CheckAll partitions outputs into existing and missing.
func (v *Verifier) CheckAll(outputs []OutputSpec) CheckResult {
	res := CheckResult{
		Existing: []OutputStatus{},
		Missing:  []OutputSpec{},
	}
	for _, st := range v.Describe(outputs) {
		if st.Exists {
			res.Existing = append(res.Existing, st)
		} else {
			res.Missing = append(res.Missing, st.Output)
		}
	}
	return res
}

// Describe returns the status of every output, in declared order. Existing
// outputs carry their modification time.
func (v *Verifier) Describe(outputs []OutputSpec) []OutputStatus {
	out := make([]OutputStatus, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, v.status(o))
	}
	return out
}

// Exists reports whether a single output is present.
func (v *Verifier) Exists(o OutputSpec) bool {
	return v.status(o).Exists
}

func (v *Verifier) status(o OutputSpec) OutputStatus {
	st := OutputStatus{Output: o}

	stat := os.Stat
	if v != nil && v.stat != nil {
		stat = v.stat
	}
	info, err := stat(v.resolve(o.Path))
	switch {
	case err == nil && info.IsDir():
		st.Err = errors.New("declared output is a directory")
	case err == nil:
		st.Exists = true
		st.ModTime = info.ModTime()
		st.Size = info.Size()
	case errors.Is(err, fs.ErrNotExist):
		// plain absence
	default:
		st.Err = err
	}
	return st
}

func (v *Verifier) resolve(p string) string {
	if v == nil || v.BaseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(v.BaseDir, p)
}
