package core

import "time"

// OutputStatus is the observed on-disk state of one declared output.
type OutputStatus struct {
	Output  OutputSpec
	Exists  bool
	ModTime time.Time
	Size    int64

	// Err is set when the output could not be checked for a reason other
	// than absence (e.g. permission denied). Such outputs count as missing.
	Err error
}

// CheckResult partitions declared outputs into existing and missing.
// Both slices keep the declared order.
type CheckResult struct {
	Existing []OutputStatus
	Missing  []OutputSpec
}

// OK reports whether every declared output exists.
func (r CheckResult) OK() bool {
	return len(r.Missing) == 0
}

// MissingNames returns the base names of missing outputs.
func (r CheckResult) MissingNames() []string {
	out := make([]string, 0, len(r.Missing))
	for _, m := range r.Missing {
		out = append(out, m.Name())
	}
	return out
}
