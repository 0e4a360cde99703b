package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"simwatch/internal/core"
)

// fakeRunner scripts stage outcomes by position.
type fakeRunner struct {
	mu    sync.Mutex
	calls []core.StageSpec

	exit   map[int]int
	errs   map[int]error
	panics map[int]bool
	onRun  func(core.StageSpec)

	// block, when set, is received from before returning.
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, stage core.StageSpec) (*core.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stage)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.panics[stage.Position] {
		panic(fmt.Sprintf("runner exploded on %s", stage.Name()))
	}
	if err := f.errs[stage.Position]; err != nil {
		return nil, err
	}
	if f.onRun != nil {
		f.onRun(stage)
	}
	code := f.exit[stage.Position]
	res := &core.RunResult{
		Stage:    stage,
		ExitCode: code,
		Success:  code == 0,
		Duration: time.Millisecond,
	}
	if code != 0 {
		res.Stderr = "Traceback (most recent call last):\nValueError: broken input\n"
		res.ErrorLines = []string{"ValueError: broken input"}
	}
	return res, nil
}

func (f *fakeRunner) positions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Position)
	}
	return out
}

func (f *fakeRunner) count(position int) int {
	n := 0
	for _, p := range f.positions() {
		if p == position {
			n++
		}
	}
	return n
}

// recordingChecker wraps a real verifier and records each CheckAll call.
type recordingChecker struct {
	*core.Verifier
	mu    sync.Mutex
	calls [][]string
}

func newRecordingChecker() *recordingChecker {
	return &recordingChecker{Verifier: core.NewVerifier("")}
}

func (r *recordingChecker) CheckAll(outputs []core.OutputSpec) core.CheckResult {
	names := make([]string, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, o.Name())
	}
	r.mu.Lock()
	r.calls = append(r.calls, names)
	r.mu.Unlock()
	return r.Verifier.CheckAll(outputs)
}

type recordingReporter struct {
	bootstraps  int
	started     []int
	checkpoints []core.CheckResult
	aborted     []*RunState
	completed   int
	previews    []core.OutputSpec
}

func (r *recordingReporter) Bootstrap(core.StageSpec) { r.bootstraps++ }
func (r *recordingReporter) StageStarted(s core.StageSpec, _, _ int) {
	r.started = append(r.started, s.Position)
}
func (r *recordingReporter) StageSucceeded(*core.RunResult) {}
func (r *recordingReporter) Checkpoint(_ core.StageSpec, res core.CheckResult) {
	r.checkpoints = append(r.checkpoints, res)
}
func (r *recordingReporter) Aborted(rs *RunState) { r.aborted = append(r.aborted, rs) }
func (r *recordingReporter) Completed(_ []core.OutputStatus, previews []core.OutputSpec) {
	r.completed++
	r.previews = previews
}

func stagesAt(dir string, positions ...int) []core.StageSpec {
	names := "abcdefghij"
	out := make([]core.StageSpec, 0, len(positions))
	for i, p := range positions {
		out = append(out, core.StageSpec{
			Position: p,
			Path:     filepath.Join(dir, string(names[i%len(names)])+".py"),
			Kind:     core.KindScript,
		})
	}
	return out
}

func mustPlan(t *testing.T, stages []core.StageSpec, outputs []core.OutputSpec) *Plan {
	t.Helper()
	p, err := NewPlan(stages, outputs)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	return p
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("id,text\n1,x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
