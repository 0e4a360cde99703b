package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

const (
	// DefaultInterpreter is used when no interpreter command is configured.
	DefaultInterpreter = "python"

	// DefaultLogTailChars bounds the statistical log excerpt shown on failure.
	DefaultLogTailChars = 1000

	// diagnosticLines bounds the stderr excerpt shown for failed scripts.
	diagnosticLines = 20
)

// Interpreter describes how interpreted-script stages are launched.
type Interpreter struct {
	// Command is the interpreter executable (default "python").
	Command string
	// Args are inserted before the script path.
	Args []string
	// Encoding decodes the child's stdout/stderr (nil means UTF-8).
	Encoding encoding.Encoding
}

// StatisticalRuntime describes how the statistical engine is launched.
//
// The engine takes flag-style arguments: -sysin <program> -log <file>.
// It reports failures mainly through the log file, which is written in a
// legacy regional encoding.
type StatisticalRuntime struct {
	Executable string
	// LogPath is the log artifact. Empty means <program-stem>.log next to
	// the program.
	LogPath string
	// Args are appended after -sysin/-log (e.g. -nologo).
	Args []string
	// Shell routes the invocation through the platform shell as one
	// command line instead of a structured argument list.
	Shell bool
	// Encoding decodes the log and the child's stdio (nil means UTF-8).
	Encoding encoding.Encoding
	// LogTailChars bounds the log excerpt kept on failure.
	LogTailChars int
}

// RunResult is the normalized outcome of one stage execution. It is created
// once per JobRunner.Run call and never mutated afterwards.
type RunResult struct {
	Stage StageSpec

	ExitCode int
	Stdout   string
	Stderr   string

	// LogPath and LogTail are set for statistical stages. LogTail is only
	// read on failure; it holds "log unreadable: ..." when the log could
	// not be read.
	LogPath string
	LogTail string

	// ErrorLines are the diagnostic lines classified as errors.
	ErrorLines []string

	Success  bool
	TimedOut bool
	Duration time.Duration
}

// Diagnostic returns the stage's last diagnostic text: the log tail for the
// statistical runtime, otherwise the trailing stderr lines (stdout when
// stderr is empty).
func (r *RunResult) Diagnostic() string {
	if r == nil {
		return ""
	}
	var parts []string
	if r.TimedOut {
		parts = append(parts, fmt.Sprintf("stage timed out after %s", r.Duration.Round(time.Millisecond)))
	}
	switch {
	case r.Stage.Kind == KindStatistical && r.LogTail != "":
		parts = append(parts, r.LogTail)
	case strings.TrimSpace(r.Stderr) != "":
		parts = append(parts, TailLines(r.Stderr, diagnosticLines))
	case strings.TrimSpace(r.Stdout) != "":
		parts = append(parts, TailLines(r.Stdout, diagnosticLines))
	}
	return strings.Join(parts, "\n")
}

// JobRunner executes single pipeline stages.
//
// It is the only component that builds command lines. Each call spawns
// exactly one child process and blocks until it exits.
type JobRunner struct {
	Interpreter Interpreter
	Statistical StatisticalRuntime

	// Env is added to the host environment of every stage.
	Env map[string]string

	// Dir is the working directory for stages. Empty means the directory
	// containing the stage executable.
	Dir string

	// Timeout bounds each stage. Zero means no limit.
	Timeout time.Duration

	Executor   *Executor
	Classifier *FailureClassifier
	Logger     *zap.Logger
}

// NewJobRunner creates a JobRunner with the default executor and classifier.
func NewJobRunner(interp Interpreter, stat StatisticalRuntime) *JobRunner {
	return &JobRunner{
		Interpreter: interp,
		Statistical: stat,
		Executor:    NewExecutor(),
		Classifier:  NewFailureClassifier(),
		Logger:      zap.NewNop(),
	}
}

// Run executes stage according to its kind.
//
// A non-zero exit is reported through RunResult.Success, never as an error.
// Errors are reserved for spawn failures (*SpawnError) and cancellation.
func (r *JobRunner) Run(ctx context.Context, stage StageSpec) (*RunResult, error) {
	if r == nil {
		return nil, errors.New("nil JobRunner")
	}
	if strings.TrimSpace(stage.Path) == "" {
		return nil, fmt.Errorf("stage %d: path is empty", stage.Position)
	}

	var (
		res *RunResult
		err error
	)
	switch stage.Kind {
	case KindScript:
		res, err = r.runScript(ctx, stage)
	case KindStatistical:
		res, err = r.runStatistical(ctx, stage)
	default:
		return nil, fmt.Errorf("stage %s: unsupported kind %q", stage.Name(), stage.Kind)
	}
	if err != nil {
		return nil, err
	}

	r.logger().Debug("stage process exited",
		zap.String("stage", stage.Name()),
		zap.Int("position", stage.Position),
		zap.String("kind", string(stage.Kind)),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *JobRunner) runScript(ctx context.Context, stage StageSpec) (*RunResult, error) {
	name := r.Interpreter.Command
	if name == "" {
		name = DefaultInterpreter
	}
	args := make([]string, 0, len(r.Interpreter.Args)+1)
	args = append(args, r.Interpreter.Args...)
	args = append(args, stage.Path)

	execRes, err := r.executor().Execute(ctx, Command{
		Name: name,
		Args: args,
		Dir:  r.dirFor(stage),
		Env:  r.Env,
	}, r.Timeout)
	if err != nil {
		return nil, err
	}

	res := newRunResult(stage, execRes, r.Interpreter.Encoding)
	if !res.Success {
		res.ErrorLines = r.classifier().Classify(KindScript, res.Stderr)
	}
	return res, nil
}

func (r *JobRunner) runStatistical(ctx context.Context, stage StageSpec) (*RunResult, error) {
	exe := r.Statistical.Executable
	if exe == "" {
		return nil, &SpawnError{Op: "start", Path: stage.Path, Err: errors.New("statistical runtime executable is not configured")}
	}

	logPath := r.logPathFor(stage)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, &SpawnError{Op: "mkdir", Path: filepath.Dir(logPath), Err: err}
	}

	args := make([]string, 0, 4+len(r.Statistical.Args))
	args = append(args, "-sysin", stage.Path, "-log", logPath)
	args = append(args, r.Statistical.Args...)

	cmd := Command{Name: exe, Args: args, Dir: r.dirFor(stage), Env: r.Env, Shell: r.Statistical.Shell}

	execRes, err := r.executor().Execute(ctx, cmd, r.Timeout)
	if err != nil {
		return nil, err
	}

	res := newRunResult(stage, execRes, r.Statistical.Encoding)
	res.LogPath = logPath
	if !res.Success {
		full, tail := r.readLog(logPath)
		res.LogTail = tail
		res.ErrorLines = r.classifier().Classify(KindStatistical, full)
	}
	return res, nil
}

// readLog decodes the statistical log. It never fails: an unreadable log
// yields a one-line explanation as the tail.
func (r *JobRunner) readLog(path string) (full, tail string) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "log unreadable: " + err.Error()
	}
	full = DecodeText(r.Statistical.Encoding, b)

	n := r.Statistical.LogTailChars
	if n <= 0 {
		n = DefaultLogTailChars
	}
	return full, TailChars(full, n)
}

func (r *JobRunner) logPathFor(stage StageSpec) string {
	if r.Statistical.LogPath != "" {
		return r.Statistical.LogPath
	}
	stem := strings.TrimSuffix(stage.Path, filepath.Ext(stage.Path))
	return stem + ".log"
}

func (r *JobRunner) dirFor(stage StageSpec) string {
	if r.Dir != "" {
		return r.Dir
	}
	return filepath.Dir(stage.Path)
}

func (r *JobRunner) executor() *Executor {
	if r.Executor == nil {
		return NewExecutor()
	}
	return r.Executor
}

func (r *JobRunner) classifier() *FailureClassifier {
	if r.Classifier == nil {
		return NewFailureClassifier()
	}
	return r.Classifier
}

func (r *JobRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func newRunResult(stage StageSpec, er *ExecutionResult, enc encoding.Encoding) *RunResult {
	return &RunResult{
		Stage:    stage,
		ExitCode: er.ExitCode,
		Stdout:   DecodeText(enc, er.Stdout),
		Stderr:   DecodeText(enc, er.Stderr),
		Success:  er.ExitCode == 0 && !er.TimedOut,
		TimedOut: er.TimedOut,
		Duration: er.Duration,
	}
}
