package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"simwatch/internal/core"
	"simwatch/internal/recovery/state"
	"simwatch/internal/trace"
)

func newTestController(t *testing.T, plan *Plan, runner StageRunner, checker OutputChecker, opts Options) *Controller {
	t.Helper()
	c, err := NewController(plan, runner, checker, opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	plan := mustPlan(t, stagesAt(t.TempDir(), 0), nil)
	if _, err := NewController(nil, &fakeRunner{}, newRecordingChecker(), Options{}); err == nil {
		t.Fatalf("expected error for nil plan")
	}
	if _, err := NewController(plan, nil, newRecordingChecker(), Options{}); err == nil {
		t.Fatalf("expected error for nil runner")
	}
	if _, err := NewController(plan, &fakeRunner{}, nil, Options{}); err == nil {
		t.Fatalf("expected error for nil checker")
	}
}

func TestController_RunsStagesInPositionOrder(t *testing.T) {
	runner := &fakeRunner{}
	rec := trace.NewRecorder()
	plan := mustPlan(t, stagesAt(t.TempDir(), 0, 2, 5, 7), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Sink: rec})

	rs, err := c.Run(context.Background(), Trigger{Source: "manual"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rs.Succeeded() || rs.Phase != Completed {
		t.Fatalf("expected completed run, got %s/%s", rs.Outcome, rs.Phase)
	}
	if got := runner.positions(); !reflect.DeepEqual(got, []int{0, 2, 5, 7}) {
		t.Fatalf("execution order mismatch: %v", got)
	}

	want := []string{"Idle", "Running(0)", "Running(2)", "Running(5)", "Running(7)", "Completed"}
	if got := rec.Trace("", "").States(); !reflect.DeepEqual(got, want) {
		t.Fatalf("state sequence mismatch:\n got %v\nwant %v", got, want)
	}
	if c.Phase() != Idle || c.Busy() {
		t.Fatalf("controller must be idle after a run")
	}
}

func TestController_FourStagePlanAbortsAtFailingStage(t *testing.T) {
	runner := &fakeRunner{exit: map[int]int{2: 1}}
	rec := trace.NewRecorder()
	reporter := &recordingReporter{}
	plan := mustPlan(t, stagesAt(t.TempDir(), 0, 1, 2, 3), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Sink: rec, Reporter: reporter})

	rs, err := c.Run(context.Background(), Trigger{Source: "watch", Path: "input.txt"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"Idle", "Running(0)", "Running(1)", "Running(2)", "Aborted"}
	if got := rec.Trace("", "").States(); !reflect.DeepEqual(got, want) {
		t.Fatalf("state sequence mismatch:\n got %v\nwant %v", got, want)
	}
	if runner.count(3) != 0 {
		t.Fatalf("stage 3 must never run")
	}
	if rs.Outcome != OutcomeAbortedOnError {
		t.Fatalf("expected aborted-on-error, got %s", rs.Outcome)
	}
	if rs.FailedStage == nil || rs.FailedStage.Position != 2 {
		t.Fatalf("expected failed stage 2, got %+v", rs.FailedStage)
	}
	diag := rs.Diagnostic()
	if !strings.Contains(diag, "c.py") || !strings.Contains(diag, "exit code 1") || !strings.Contains(diag, "ValueError") {
		t.Fatalf("diagnostic must name the failing stage and its last lines, got %q", diag)
	}
	if len(reporter.aborted) != 1 || reporter.completed != 0 {
		t.Fatalf("expected exactly one abort report, got aborted=%d completed=%d", len(reporter.aborted), reporter.completed)
	}
	var sf *state.StageFailureError
	if !errors.As(rs.Err, &sf) || sf.ExitCode != 1 {
		t.Fatalf("expected StageFailureError, got %v", rs.Err)
	}
}

func TestController_FailFastForEveryPosition(t *testing.T) {
	const n = 5
	for failing := 0; failing < n; failing++ {
		runner := &fakeRunner{exit: map[int]int{failing: 3}}
		plan := mustPlan(t, stagesAt(t.TempDir(), 0, 1, 2, 3, 4), nil)
		c := newTestController(t, plan, runner, newRecordingChecker(), Options{})

		rs, err := c.Run(context.Background(), Trigger{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if rs.Outcome != OutcomeAbortedOnError {
			t.Fatalf("failing=%d: expected abort, got %s", failing, rs.Outcome)
		}
		got := runner.positions()
		if len(got) != failing+1 || got[len(got)-1] != failing {
			t.Fatalf("failing=%d: stages after the failure were invoked: %v", failing, got)
		}
	}
}

func TestController_BootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "out", "text_pairs.csv")

	runner := &fakeRunner{onRun: func(s core.StageSpec) {
		if s.Position == 0 {
			writeFile(t, seed)
		}
	}}
	rec := trace.NewRecorder()
	reporter := &recordingReporter{}
	plan := mustPlan(t, stagesAt(dir, 0, 1, 2), []core.OutputSpec{{Path: seed, Checkpoints: []int{0}}})
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Sink: rec, Reporter: reporter})

	first, err := c.Run(context.Background(), Trigger{Source: "startup"})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if !first.Succeeded() || !first.Bootstrapped {
		t.Fatalf("expected bootstrapped completed run, got %s bootstrapped=%v", first.Outcome, first.Bootstrapped)
	}
	if runner.count(0) != 2 || reporter.bootstraps != 1 {
		t.Fatalf("expected stage 0 twice on first run, got %d", runner.count(0))
	}
	want := []string{"Idle", "Bootstrapping", "Running(0)", "Running(1)", "Running(2)", "Completed"}
	if got := rec.Trace("", "").States(); !reflect.DeepEqual(got, want) {
		t.Fatalf("first run states mismatch:\n got %v\nwant %v", got, want)
	}

	rec.Reset()
	second, err := c.Run(context.Background(), Trigger{Source: "manual"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Outcome != first.Outcome || second.Bootstrapped {
		t.Fatalf("second run must complete without bootstrap, got %s bootstrapped=%v", second.Outcome, second.Bootstrapped)
	}
	if runner.count(0) != 3 || reporter.bootstraps != 1 {
		t.Fatalf("bootstrap stage must not be re-invoked, stage 0 ran %d times", runner.count(0))
	}
	want = []string{"Idle", "Running(0)", "Running(1)", "Running(2)", "Completed"}
	if got := rec.Trace("", "").States(); !reflect.DeepEqual(got, want) {
		t.Fatalf("second run states mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestController_FailedBootstrapAborts(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{exit: map[int]int{0: 2}}
	rec := trace.NewRecorder()
	plan := mustPlan(t, stagesAt(dir, 0, 1), []core.OutputSpec{{Path: filepath.Join(dir, "seed.csv")}})
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Sink: rec})

	rs, err := c.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Outcome != OutcomeAbortedOnError || rs.Bootstrapped {
		t.Fatalf("expected aborted bootstrap, got %s", rs.Outcome)
	}
	want := []string{"Idle", "Bootstrapping", "Aborted"}
	if got := rec.Trace("", "").States(); !reflect.DeepEqual(got, want) {
		t.Fatalf("states mismatch: got %v want %v", got, want)
	}
	if got := runner.positions(); !reflect.DeepEqual(got, []int{0}) {
		t.Fatalf("only the bootstrap may run, got %v", got)
	}
}

func TestController_CheckpointsOnlyAssertAssociatedOutputs(t *testing.T) {
	dir := t.TempDir()
	a := core.OutputSpec{Path: filepath.Join(dir, "a.csv"), Checkpoints: []int{0}}
	b := core.OutputSpec{Path: filepath.Join(dir, "b.csv"), Checkpoints: []int{1}}
	cOut := core.OutputSpec{Path: filepath.Join(dir, "c.csv"), Preview: core.PreviewSimilarity}
	writeFile(t, a.Path)

	checker := newRecordingChecker()
	reporter := &recordingReporter{}
	plan := mustPlan(t, stagesAt(dir, 0, 1, 2), []core.OutputSpec{a, b, cOut})
	c := newTestController(t, plan, &fakeRunner{}, checker, Options{Reporter: reporter})

	rs, err := c.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rs.Succeeded() {
		t.Fatalf("missing checkpoint outputs must not abort, got %s", rs.Outcome)
	}

	// bootstrap check, then one call per checkpointed stage
	want := [][]string{{"a.csv"}, {"a.csv"}, {"b.csv"}}
	if !reflect.DeepEqual(checker.calls, want) {
		t.Fatalf("checkpoint calls mismatch: got %v want %v", checker.calls, want)
	}
	if len(rs.Checkpoints) != 2 || rs.Checkpoints[1].Result.OK() {
		t.Fatalf("expected stage 1 checkpoint to report b.csv missing, got %+v", rs.Checkpoints)
	}
	if len(rs.Attestation) != 3 || rs.Attestation[2].Exists {
		t.Fatalf("final attestation must cover every output, got %+v", rs.Attestation)
	}
	if reporter.completed != 1 || len(reporter.previews) != 1 || reporter.previews[0].Name() != "c.csv" {
		t.Fatalf("expected completion with c.csv preview, got %+v", reporter.previews)
	}
}

func TestController_RunnerErrorAbortsOnException(t *testing.T) {
	spawn := &core.SpawnError{Op: "start", Path: "python", Err: exec.ErrNotFound}
	runner := &fakeRunner{errs: map[int]error{1: spawn}}
	plan := mustPlan(t, stagesAt(t.TempDir(), 0, 1, 2), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{})

	rs, err := c.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Outcome != OutcomeAbortedOnException || rs.Phase != Aborted {
		t.Fatalf("expected aborted-on-exception, got %s/%s", rs.Outcome, rs.Phase)
	}
	if !errors.Is(rs.Err, exec.ErrNotFound) {
		t.Fatalf("expected spawn cause to be preserved, got %v", rs.Err)
	}
	var pf *state.SpawnFailureError
	if !errors.As(rs.Err, &pf) {
		t.Fatalf("expected SpawnFailureError, got %T", rs.Err)
	}
	if diag := rs.Diagnostic(); !strings.Contains(diag, "unexpected error in b.py") {
		t.Fatalf("unexpected diagnostic %q", diag)
	}
	if runner.count(2) != 0 {
		t.Fatalf("stage after exception must not run")
	}
}

func TestController_PanicIsContainedAndControllerReusable(t *testing.T) {
	runner := &fakeRunner{panics: map[int]bool{1: true}}
	obs, logs := observer.New(zap.ErrorLevel)
	plan := mustPlan(t, stagesAt(t.TempDir(), 0, 1), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Logger: zap.New(obs)})

	rs, err := c.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Outcome != OutcomeAbortedOnException {
		t.Fatalf("expected aborted-on-exception, got %s", rs.Outcome)
	}
	if rs.FailedStage == nil || rs.FailedStage.Position != 1 {
		t.Fatalf("expected failing stage 1, got %+v", rs.FailedStage)
	}
	if logs.FilterMessage("pipeline run panicked").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}

	runner.panics = nil
	again, err := c.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !again.Succeeded() {
		t.Fatalf("controller must survive a panicking run, got %s", again.Outcome)
	}
}

func TestController_RejectsConcurrentRun(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	plan := mustPlan(t, stagesAt(t.TempDir(), 0), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{})

	done := make(chan *RunState, 1)
	go func() {
		rs, _ := c.Run(context.Background(), Trigger{})
		done <- rs
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(runner.positions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first run never started")
		}
		time.Sleep(time.Millisecond)
	}
	if !c.Busy() || c.Phase() != Running(0) {
		t.Fatalf("expected live run at Running(0), got busy=%v phase=%s", c.Busy(), c.Phase())
	}

	if _, err := c.Run(context.Background(), Trigger{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(runner.block)
	select {
	case rs := <-done:
		if !rs.Succeeded() {
			t.Fatalf("first run must complete, got %s", rs.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first run did not finish")
	}
	if got := runner.positions(); len(got) != 1 {
		t.Fatalf("rejected run must not invoke stages, got %v", got)
	}
}

func TestController_CancelledContextAbortsBeforeFirstStage(t *testing.T) {
	runner := &fakeRunner{}
	plan := mustPlan(t, stagesAt(t.TempDir(), 0, 1), nil)
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs, err := c.Run(ctx, Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.Outcome != OutcomeAbortedOnException || !errors.Is(rs.Err, context.Canceled) {
		t.Fatalf("expected cancelled abort, got %s %v", rs.Outcome, rs.Err)
	}
	if len(runner.positions()) != 0 {
		t.Fatalf("no stage may run after cancellation")
	}
}

func TestController_RecordsRunsInLedger(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	out := core.OutputSpec{Path: filepath.Join(dir, "a.csv"), Checkpoints: []int{0}}
	writeFile(t, out.Path)

	runner := &fakeRunner{exit: map[int]int{1: 4}}
	plan := mustPlan(t, stagesAt(dir, 0, 1), []core.OutputSpec{out})
	c := newTestController(t, plan, runner, newRecordingChecker(), Options{Ledger: state.NewLedger(store)})

	rs, err := c.Run(context.Background(), Trigger{Source: "watch", Path: "notes.txt"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rs.RunID == "" {
		t.Fatalf("expected run id to be assigned")
	}

	run, err := store.LoadRun(rs.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.Status != state.RunStatusAborted || run.Outcome != string(OutcomeAbortedOnError) {
		t.Fatalf("unexpected ledger run: %+v", run)
	}
	if run.PlanHash != plan.Hash() || run.Trigger != "notes.txt" || len(run.Stages) != 2 {
		t.Fatalf("unexpected ledger run: %+v", run)
	}
	f, err := store.LoadFailure(rs.RunID)
	if err != nil {
		t.Fatalf("LoadFailure: %v", err)
	}
	if f.FailureClass != state.FailureClassStage || f.Stage == nil || *f.Stage != "b.py" {
		t.Fatalf("unexpected failure record: %+v", f)
	}
	cps, err := store.LoadCheckpoints(rs.RunID)
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if len(cps) != 1 || !cps[0].Valid || cps[0].Stage != "a.py" {
		t.Fatalf("unexpected checkpoints: %+v", cps)
	}
}
