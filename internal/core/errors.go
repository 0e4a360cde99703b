package core

import "fmt"

// SpawnError reports an environment failure around a stage: the executable
// could not be started, or a directory the stage needs could not be
// created. It is distinct from a stage's own logical failure, which is a
// non-zero exit reported through RunResult.
type SpawnError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("spawn %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("spawn %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
