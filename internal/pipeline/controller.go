package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"simwatch/internal/core"
	"simwatch/internal/recovery/state"
	"simwatch/internal/trace"
)

// StageRunner executes a single stage.
//
// A non-zero exit is reported through RunResult.Success. A non-nil error
// means the stage could not be run at all (spawn failure, cancellation).
type StageRunner interface {
	Run(ctx context.Context, stage core.StageSpec) (*core.RunResult, error)
}

// OutputChecker checks declared outputs.
type OutputChecker interface {
	CheckAll(outputs []core.OutputSpec) core.CheckResult
	Describe(outputs []core.OutputSpec) []core.OutputStatus
}

// Reporter receives the operator-facing milestones of a run.
type Reporter interface {
	Bootstrap(stage core.StageSpec)
	StageStarted(stage core.StageSpec, index, total int)
	StageSucceeded(res *core.RunResult)
	Checkpoint(stage core.StageSpec, res core.CheckResult)
	Aborted(rs *RunState)
	Completed(attestation []core.OutputStatus, previews []core.OutputSpec)
}

// Ledger persists run records. Write failures never affect the run.
type Ledger interface {
	NewRunID() (string, error)
	StartRun(run state.Run) error
	RecordCheckpoint(runID string, cp state.Checkpoint) error
	FinishRun(run state.Run, cause error) error
}

// Metrics observes run and stage outcomes.
type Metrics interface {
	RunStarted()
	RunFinished(outcome string, d time.Duration)
	StageFinished(stage, status string, d time.Duration)
	OutputsMissing(stage string, n int)
}

// Options carries the controller's optional collaborators. Nil fields are
// replaced by no-ops.
type Options struct {
	Reporter Reporter
	Ledger   Ledger
	Metrics  Metrics
	Sink     trace.Sink
	Logger   *zap.Logger
	Now      func() time.Time
}

// Controller drives one plan through the run state machine.
//
// At most one run is live at a time: Run returns ErrBusy instead of
// interleaving. The controller is the only component that decides between
// abort and continue; nothing a stage does escapes Run.
type Controller struct {
	plan    *Plan
	runner  StageRunner
	checker OutputChecker

	reporter Reporter
	ledger   Ledger
	metrics  Metrics
	sink     trace.Sink
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	busy  bool
	phase Phase
}

// NewController creates a controller for plan.
func NewController(plan *Plan, runner StageRunner, checker OutputChecker, opts Options) (*Controller, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil plan")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if checker == nil {
		return nil, fmt.Errorf("nil output checker")
	}

	c := &Controller{
		plan:     plan,
		runner:   runner,
		checker:  checker,
		reporter: opts.Reporter,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		sink:     opts.Sink,
		logger:   opts.Logger,
		now:      opts.Now,
		phase:    Idle,
	}
	if c.reporter == nil {
		c.reporter = nopReporter{}
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.sink == nil {
		c.sink = trace.NopSink{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Plan returns the controller's plan.
func (c *Controller) Plan() *Plan { return c.plan }

// Phase returns the phase of the live run, or Idle.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Busy reports whether a run is live.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Run executes the plan once.
//
// It returns ErrBusy, without doing anything, when another run is live.
// Otherwise it always returns the terminal RunState; stage failures,
// runner errors and panics are reflected in RunState.Outcome.
func (c *Controller) Run(ctx context.Context, trig Trigger) (*RunState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.release()

	if trig.At.IsZero() {
		trig.At = c.now()
	}
	rs := &RunState{
		PlanHash:  c.plan.Hash(),
		Trigger:   trig,
		Phase:     Idle,
		Current:   -1,
		StartedAt: c.now(),
	}
	c.startRecord(rs)
	c.metrics.RunStarted()
	c.logger.Info("pipeline run started",
		zap.String("run_id", rs.RunID),
		zap.String("trigger", trig.String()),
		zap.String("plan_hash", rs.PlanHash))

	c.execute(ctx, rs)

	rs.FinishedAt = c.now()
	c.finishRecord(rs)
	c.metrics.RunFinished(string(rs.Outcome), rs.Duration())
	c.logger.Info("pipeline run finished",
		zap.String("run_id", rs.RunID),
		zap.String("outcome", string(rs.Outcome)),
		zap.Duration("duration", rs.Duration()))
	return rs, nil
}

// execute runs the state machine. A panic in any collaborator is recovered
// and treated like a runner error.
func (c *Controller) execute(ctx context.Context, rs *RunState) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pipeline run panicked", zap.Any("panic", r), zap.Stack("stack"))
			c.abort(rs, OutcomeAbortedOnException, c.currentStage(rs), &state.SystemFailureError{
				Code:    "Panic",
				Message: fmt.Sprint(r),
			})
		}
	}()

	if err := ctx.Err(); err != nil {
		c.abort(rs, OutcomeAbortedOnException, nil, fmt.Errorf("run cancelled before start: %w", err))
		return
	}

	stages := c.plan.Stages()

	if c.needsBootstrap() {
		first := stages[0]
		if !c.enter(rs, Bootstrapping) {
			return
		}
		c.reporter.Bootstrap(first)
		if !c.runStage(ctx, rs, first) {
			return
		}
		rs.Bootstrapped = true
	}

	for i, stage := range stages {
		if !c.enter(rs, Running(stage.Position)) {
			return
		}
		rs.Current = stage.Position
		c.reporter.StageStarted(stage, i, len(stages))
		if !c.runStage(ctx, rs, stage) {
			return
		}
		c.reporter.StageSucceeded(rs.LastResult())
		c.checkpoint(rs, stage)
	}

	if !c.enter(rs, Completed) {
		return
	}
	rs.Outcome = OutcomeCompleted

	rs.Attestation = c.checker.Describe(c.plan.Outputs())
	if missing := countMissing(rs.Attestation); missing > 0 {
		c.logger.Warn("final attestation: outputs missing", zap.Int("missing", missing))
	}
	c.reporter.Completed(rs.Attestation, c.plan.PreviewOutputs())
}

// runStage executes one stage and reports whether the run may continue.
func (c *Controller) runStage(ctx context.Context, rs *RunState, stage core.StageSpec) bool {
	c.logger.Debug("running stage", zap.Stringer("stage", stage))

	res, err := c.runner.Run(ctx, stage)
	if err != nil {
		c.metrics.StageFinished(stage.Name(), "errored", 0)
		trace.SafeRecord(c.sink, trace.Event{
			Kind:     trace.EventStageErrored,
			Stage:    stage.Name(),
			Position: stage.Position,
			Detail:   err.Error(),
		})
		var cause error = fmt.Errorf("stage %s: %w", stage.Name(), err)
		var se *core.SpawnError
		if errors.As(err, &se) {
			cause = &state.SpawnFailureError{Stage: stage.Name(), Cause: err}
		}
		c.abort(rs, OutcomeAbortedOnException, &stage, cause)
		return false
	}
	if res == nil {
		c.abort(rs, OutcomeAbortedOnException, &stage, fmt.Errorf("stage %s: nil result", stage.Name()))
		return false
	}

	rs.Results = append(rs.Results, res)
	if !res.Success {
		c.metrics.StageFinished(stage.Name(), "failed", res.Duration)
		trace.SafeRecord(c.sink, trace.Event{
			Kind:     trace.EventStageFailed,
			Stage:    stage.Name(),
			Position: stage.Position,
			Detail:   "exit " + strconv.Itoa(res.ExitCode),
		})
		c.abort(rs, OutcomeAbortedOnError, &stage, &state.StageFailureError{
			Stage:    stage.Name(),
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Lines:    res.ErrorLines,
		})
		return false
	}

	c.metrics.StageFinished(stage.Name(), "succeeded", res.Duration)
	trace.SafeRecord(c.sink, trace.Event{
		Kind:     trace.EventStageSucceeded,
		Stage:    stage.Name(),
		Position: stage.Position,
	})
	return true
}

// checkpoint verifies the outputs associated with stage. A shortfall is a
// warning only.
func (c *Controller) checkpoint(rs *RunState, stage core.StageSpec) {
	outs := c.plan.CheckpointOutputs(stage.Position)
	if len(outs) == 0 {
		return
	}
	res := c.checker.CheckAll(outs)
	rs.Checkpoints = append(rs.Checkpoints, CheckpointResult{Stage: stage, Result: res})

	trace.SafeRecord(c.sink, trace.Event{
		Kind:     trace.EventCheckpoint,
		Stage:    stage.Name(),
		Position: stage.Position,
		Detail:   strings.Join(res.MissingNames(), ","),
	})
	c.metrics.OutputsMissing(stage.Name(), len(res.Missing))
	if !res.OK() {
		c.logger.Warn("checkpoint outputs missing",
			zap.String("stage", stage.Name()),
			zap.Strings("missing", res.MissingNames()))
	}
	c.reporter.Checkpoint(stage, res)

	if c.ledger != nil && rs.RunID != "" {
		if err := c.ledger.RecordCheckpoint(rs.RunID, state.NewCheckpoint(stage, c.now(), res)); err != nil {
			c.logger.Warn("ledger: record checkpoint failed", zap.Error(err))
		}
	}
}

// abort moves rs to Aborted. It is a no-op once rs is terminal.
func (c *Controller) abort(rs *RunState, outcome Outcome, stage *core.StageSpec, cause error) {
	if rs.Phase.IsTerminal() {
		return
	}
	if !c.enter(rs, Aborted) {
		// Aborted is reachable from every non-terminal phase.
		rs.Phase = Aborted
	}
	rs.Outcome = outcome
	rs.Err = cause
	rs.FailedStage = stage

	c.logger.Error("pipeline run aborted",
		zap.String("run_id", rs.RunID),
		zap.String("outcome", string(outcome)),
		zap.Error(cause))
	c.reporter.Aborted(rs)
}

// enter performs a transition and mirrors it to the trace sink.
func (c *Controller) enter(rs *RunState, to Phase) bool {
	from := rs.Phase
	if err := Transition(rs, from, to); err != nil {
		c.logger.Error("invalid phase transition", zap.Error(err))
		if to.Kind != PhaseAborted {
			c.abort(rs, OutcomeAbortedOnException, c.currentStage(rs), err)
		}
		return false
	}
	c.mu.Lock()
	c.phase = to
	c.mu.Unlock()
	trace.SafeRecord(c.sink, trace.Event{
		Kind: trace.EventTransition,
		From: from.String(),
		To:   to.String(),
	})
	return true
}

func (c *Controller) needsBootstrap() bool {
	boot, ok := c.plan.BootstrapOutput()
	if !ok {
		return false
	}
	return !c.checker.CheckAll([]core.OutputSpec{boot}).OK()
}

func (c *Controller) currentStage(rs *RunState) *core.StageSpec {
	stages := c.plan.Stages()
	switch {
	case rs.Phase.Kind == PhaseBootstrapping:
		return &stages[0]
	case rs.Current >= 0:
		for i := range stages {
			if stages[i].Position == rs.Current {
				return &stages[i]
			}
		}
	}
	return nil
}

func (c *Controller) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	c.phase = Idle
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.phase = Idle
	c.mu.Unlock()
}

func (c *Controller) startRecord(rs *RunState) {
	if c.ledger == nil {
		return
	}
	id, err := c.ledger.NewRunID()
	if err != nil {
		c.logger.Warn("ledger: run id unavailable", zap.Error(err))
		return
	}
	rs.RunID = id
	if err := c.ledger.StartRun(c.runRecord(rs)); err != nil {
		c.logger.Warn("ledger: start run failed", zap.Error(err))
	}
}

func (c *Controller) finishRecord(rs *RunState) {
	if c.ledger == nil || rs.RunID == "" {
		return
	}
	run := c.runRecord(rs)
	finished := rs.FinishedAt.UTC()
	run.FinishTime = &finished
	run.Status = state.RunStatusCompleted
	if rs.Outcome != OutcomeCompleted {
		run.Status = state.RunStatusAborted
	}
	if err := c.ledger.FinishRun(run, rs.Err); err != nil {
		c.logger.Warn("ledger: finish run failed", zap.Error(err))
	}
}

func (c *Controller) runRecord(rs *RunState) state.Run {
	run := state.Run{
		RunID:        rs.RunID,
		PlanHash:     rs.PlanHash,
		StartTime:    rs.StartedAt.UTC(),
		Trigger:      rs.Trigger.String(),
		Status:       state.RunStatusRunning,
		Outcome:      string(rs.Outcome),
		Bootstrapped: rs.Bootstrapped,
		Stages:       make([]state.StageEntry, 0, len(rs.Results)),
	}
	for _, r := range rs.Results {
		run.Stages = append(run.Stages, state.NewStageEntry(r))
	}
	return run
}

func countMissing(statuses []core.OutputStatus) int {
	n := 0
	for _, st := range statuses {
		if !st.Exists {
			n++
		}
	}
	return n
}

type nopReporter struct{}

func (nopReporter) Bootstrap(core.StageSpec) {}
func (nopReporter) StageStarted(core.StageSpec, int, int) {}
func (nopReporter) StageSucceeded(*core.RunResult) {}
func (nopReporter) Checkpoint(core.StageSpec, core.CheckResult) {}
func (nopReporter) Aborted(*RunState) {}
func (nopReporter) Completed([]core.OutputStatus, []core.OutputSpec) {}

type nopMetrics struct{}

func (nopMetrics) RunStarted() {}
func (nopMetrics) RunFinished(string, time.Duration) {}
func (nopMetrics) StageFinished(string, string, time.Duration) {}
func (nopMetrics) OutputsMissing(string, int) {}
