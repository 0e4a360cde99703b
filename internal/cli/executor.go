package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"simwatch/internal/config"
	"simwatch/internal/core"
	"simwatch/internal/metrics"
	"simwatch/internal/pipeline"
	"simwatch/internal/recovery/state"
	"simwatch/internal/report"
	"simwatch/internal/trace"
)

// TraceFileName is written next to run.json for every recorded run.
const TraceFileName = "trace.json"

type CLIResult struct {
	ExitCode int
	State    *pipeline.RunState
}

// Session wires the components for one loaded configuration.
type Session struct {
	Config     *config.Config
	Plan       *pipeline.Plan
	Verifier   *core.Verifier
	Console    *report.Console
	Metrics    *metrics.Collector
	Controller *pipeline.Controller

	// Store is nil when the ledger directory is unusable; runs then go
	// unrecorded.
	Store    *state.Store
	recorder *trace.Recorder
	logger   *zap.Logger
}

// NewSession builds the controller and its collaborators. Operator output
// goes to out.
func NewSession(cfg *config.Config, out io.Writer, logger *zap.Logger) (*Session, error) {
	return newSession(cfg, out, logger, nil)
}

func newSession(cfg *config.Config, out io.Writer, logger *zap.Logger, runner pipeline.StageRunner) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}

	plan, err := cfg.Plan()
	if err != nil {
		return nil, &config.ConfigError{Path: cfg.Source, Err: err}
	}

	if runner == nil {
		jr := cfg.JobRunner()
		jr.Logger = logger.Named("runner")
		runner = jr
	}

	s := &Session{
		Config:   cfg,
		Plan:     plan,
		Verifier: cfg.Verifier(),
		Console:  report.NewConsole(out, report.NewPresenter(cfg.Preview)),
		Metrics:  metrics.New(metrics.DefaultNamespace),
		recorder: trace.NewRecorder(),
		logger:   logger,
	}

	opts := pipeline.Options{
		Reporter: s.Console,
		Metrics:  s.Metrics,
		Sink:     s.recorder,
		Logger:   logger.Named("controller"),
	}
	if st, err := state.NewStore(cfg.StateDir); err != nil {
		logger.Warn("run ledger disabled", zap.String("dir", cfg.StateDir), zap.Error(err))
	} else {
		s.Store = st
		opts.Ledger = state.NewLedger(st)
	}

	ctrl, err := pipeline.NewController(plan, runner, s.Verifier, opts)
	if err != nil {
		return nil, err
	}
	s.Controller = ctrl
	return s, nil
}

// Run executes one pipeline pass, then persists its trace and prunes the
// ledger. It returns pipeline.ErrBusy when a pass is already live.
func (s *Session) Run(ctx context.Context, trig pipeline.Trigger) (*pipeline.RunState, error) {
	s.recorder.Reset()
	rs, err := s.Controller.Run(ctx, trig)
	if err != nil {
		return nil, err
	}
	s.afterRun(rs)
	return rs, nil
}

func (s *Session) afterRun(rs *pipeline.RunState) {
	if s.Store == nil || rs.RunID == "" {
		return
	}
	path := filepath.Join(s.Store.RunDir(rs.RunID), TraceFileName)
	tr := s.recorder.Trace(rs.RunID, rs.PlanHash)
	if err := tr.WriteFile(path); err != nil {
		s.logger.Warn("write run trace failed", zap.String("run_id", rs.RunID), zap.Error(err))
	} else {
		s.logger.Debug("run trace written",
			zap.String("path", path),
			zap.Int("events", len(tr.Events)),
			zap.Duration("elapsed", tr.Elapsed()))
	}
	if keep := s.Config.KeepRuns; keep > 0 {
		removed, err := s.Store.Prune(keep)
		if err != nil {
			s.logger.Warn("prune run ledger failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Debug("pruned run ledger", zap.Int("removed", removed), zap.Int("keep", keep))
		}
	}
}

// Outputs checks every declared output.
func (s *Session) Outputs() []core.OutputStatus {
	return s.Verifier.Describe(s.Plan.Outputs())
}

// outcomeExitCode translates a terminal run into a semantic exit code.
func outcomeExitCode(rs *pipeline.RunState) int {
	switch {
	case rs == nil:
		return ExitInternalError
	case rs.Succeeded():
		return ExitSuccess
	case rs.Outcome == pipeline.OutcomeAbortedOnError:
		return ExitRunFailure
	default:
		var sys *state.SystemFailureError
		if errors.As(rs.Err, &sys) && sys.Code == "Panic" {
			return ExitInternalError
		}
		return ExitRunFailure
	}
}

// RunOnce loads the configuration and executes a single pass.
func RunOnce(ctx context.Context, inv Invocation, out io.Writer, logger *zap.Logger) (CLIResult, error) {
	cfg, err := LoadConfig(inv)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	s, err := NewSession(cfg, out, logger)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return s.RunOnce(ctx)
}

// RunOnce executes a single manual pass. A panic escaping the session maps
// to ExitInternalError.
func (s *Session) RunOnce(ctx context.Context) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = CLIResult{ExitCode: ExitInternalError}
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	rs, err := s.Run(ctx, pipeline.Trigger{Source: "manual"})
	if err != nil {
		return res, err
	}
	res.State = rs
	res.ExitCode = outcomeExitCode(rs)
	if res.ExitCode != ExitSuccess {
		return res, fmt.Errorf("pipeline %s: %s", rs.Outcome, firstLine(rs.Diagnostic()))
	}
	return res, nil
}

// Check prints the integrity report. The exit code is ExitRunFailure when
// any declared output is missing.
func Check(inv Invocation, out io.Writer, logger *zap.Logger) (CLIResult, error) {
	cfg, err := LoadConfig(inv)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	s, err := NewSession(cfg, out, logger)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	statuses := s.Outputs()
	s.Console.StartupCheck(statuses)
	for _, st := range statuses {
		if !st.Exists {
			return CLIResult{ExitCode: ExitRunFailure}, nil
		}
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
