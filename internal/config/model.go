package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"simwatch/internal/core"
	"simwatch/internal/pipeline"
	"simwatch/internal/report"
)

// Config is the validated configuration. It is built once by Load or
// Parse and must be treated as read-only; the With* methods return copies.
type Config struct {
	// Source is the absolute path of the file this was loaded from.
	Source  string
	BaseDir string

	Watch WatchConfig

	Stages  []core.StageSpec
	Outputs []core.OutputSpec

	Interpreter core.Interpreter
	Statistical core.StatisticalRuntime
	// InterpreterEncoding and StatisticalEncoding are the configured
	// labels behind the resolved decoders.
	InterpreterEncoding string
	StatisticalEncoding string

	Preview report.PreviewSettings

	// StageTimeout bounds each stage; zero means no limit.
	StageTimeout time.Duration
	StateDir     string
	// KeepRuns prunes the ledger to the newest N runs; zero keeps all.
	KeepRuns    int
	MetricsAddr string
}

type WatchConfig struct {
	Dirs       []string
	Extensions []string
	Cooldown   time.Duration
	Ignore     []string
}

func build(f *file, baseDir string) (*Config, error) {
	var errs []error
	cfg := &Config{BaseDir: baseDir}

	// watch
	for _, d := range f.Watch.Dirs {
		if p := resolvePath(baseDir, d); p != "" {
			cfg.Watch.Dirs = append(cfg.Watch.Dirs, p)
		}
	}
	if len(cfg.Watch.Dirs) == 0 {
		cfg.Watch.Dirs = []string{baseDir}
	}
	cfg.Watch.Extensions = normalizeExtensions(f.Watch.Extensions)
	if len(cfg.Watch.Extensions) == 0 {
		cfg.Watch.Extensions = []string{".txt", ".py", ".sas"}
	}
	cooldown, err := parseDuration("watch.cooldown", f.Watch.Cooldown, DefaultCooldown)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Watch.Cooldown = cooldown
	cfg.Watch.Ignore = append([]string(nil), f.Watch.Ignore...)

	// stage kinds
	resolver := core.DefaultKindResolver()
	if exts := normalizeExtensions(f.Interpreter.Extensions); len(exts) > 0 {
		resolver.ScriptExtensions = exts
	}
	if exts := normalizeExtensions(f.Statistical.Extensions); len(exts) > 0 {
		resolver.StatisticalExtensions = exts
	}

	if len(f.Stages) == 0 {
		errs = append(errs, errors.New("stages: at least one stage is required"))
	}
	for i, s := range f.Stages {
		path := resolvePath(baseDir, s.Path)
		if path == "" {
			errs = append(errs, fmt.Errorf("stages[%d]: path is required", i))
			continue
		}
		var kind core.StageKind
		if strings.TrimSpace(s.Kind) != "" {
			kind, err = core.ParseStageKind(s.Kind)
		} else {
			kind, err = resolver.Resolve(path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stages[%d]: %w", i, err))
			continue
		}
		cfg.Stages = append(cfg.Stages, core.StageSpec{Position: i, Path: path, Kind: kind})
	}

	for i, o := range f.Outputs {
		path := resolvePath(baseDir, o.Path)
		if path == "" {
			errs = append(errs, fmt.Errorf("outputs[%d]: path is required", i))
			continue
		}
		mode, err := core.ParsePreviewMode(o.Preview)
		if err != nil {
			errs = append(errs, fmt.Errorf("outputs[%d]: %w", i, err))
			continue
		}
		cfg.Outputs = append(cfg.Outputs, core.OutputSpec{
			Path:        path,
			Preview:     mode,
			Checkpoints: append([]int(nil), o.Checkpoints...),
		})
	}

	// runtimes
	cfg.InterpreterEncoding = strings.TrimSpace(f.Interpreter.Encoding)
	if cfg.InterpreterEncoding == "" {
		cfg.InterpreterEncoding = DefaultScriptEncoding
	}
	scriptEnc, err := core.LookupEncoding(cfg.InterpreterEncoding)
	if err != nil {
		errs = append(errs, fmt.Errorf("interpreter.encoding: %w", err))
	}
	cfg.Interpreter = core.Interpreter{
		Command:  strings.TrimSpace(f.Interpreter.Command),
		Args:     append([]string(nil), f.Interpreter.Args...),
		Encoding: scriptEnc,
	}
	if cfg.Interpreter.Command == "" {
		cfg.Interpreter.Command = core.DefaultInterpreter
	}

	cfg.StatisticalEncoding = strings.TrimSpace(f.Statistical.Encoding)
	if cfg.StatisticalEncoding == "" {
		cfg.StatisticalEncoding = DefaultStatEncoding
	}
	statEnc, err := core.LookupEncoding(cfg.StatisticalEncoding)
	if err != nil {
		errs = append(errs, fmt.Errorf("statistical.encoding: %w", err))
	}
	statArgs := f.Statistical.Args
	if statArgs == nil {
		statArgs = []string{"-nologo"}
	}
	if f.Statistical.LogTailChars < 0 {
		errs = append(errs, fmt.Errorf("statistical.log_tail_chars: must not be negative (got %d)", f.Statistical.LogTailChars))
	}
	cfg.Statistical = core.StatisticalRuntime{
		Executable:   strings.TrimSpace(f.Statistical.Executable),
		LogPath:      resolvePath(baseDir, f.Statistical.Log),
		Args:         append([]string(nil), statArgs...),
		Shell:        f.Statistical.Shell,
		Encoding:     statEnc,
		LogTailChars: f.Statistical.LogTailChars,
	}
	if cfg.Statistical.Executable == "" {
		cfg.Statistical.Executable = DefaultStatExecutable
	}
	if cfg.Statistical.LogTailChars == 0 {
		cfg.Statistical.LogTailChars = core.DefaultLogTailChars
	}

	// preview
	for _, lim := range []struct {
		field string
		v     int
	}{
		{"preview.rows", f.Preview.Rows},
		{"preview.columns", f.Preview.Columns},
		{"preview.text_chars", f.Preview.TextChars},
	} {
		if lim.v < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative (got %d)", lim.field, lim.v))
		}
	}
	cfg.Preview = report.NewPresenter(report.PreviewSettings{
		Rows:       f.Preview.Rows,
		Columns:    f.Preview.Columns,
		TextChars:  f.Preview.TextChars,
		TextColumn: strings.TrimSpace(f.Preview.TextColumn),
	}).Settings

	timeout, err := parseDuration("stage_timeout", f.StageTimeout, 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.StageTimeout = timeout

	cfg.StateDir = resolvePath(baseDir, f.StateDir)
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(baseDir, DefaultStateDir)
	}
	if f.KeepRuns < 0 {
		errs = append(errs, fmt.Errorf("keep_runs: must not be negative (got %d)", f.KeepRuns))
	}
	cfg.KeepRuns = f.KeepRuns
	cfg.MetricsAddr = strings.TrimSpace(f.Metrics.Addr)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// The plan validates positions, output uniqueness and checkpoints.
	if _, err := cfg.Plan(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Plan builds the static stage plan.
func (c *Config) Plan() (*pipeline.Plan, error) {
	return pipeline.NewPlan(c.Stages, c.Outputs)
}

// JobRunner builds a runner for the configured runtimes. Stages run from
// their own directory.
func (c *Config) JobRunner() *core.JobRunner {
	interp := c.Interpreter
	interp.Args = slices.Clone(interp.Args)
	stat := c.Statistical
	stat.Args = slices.Clone(stat.Args)

	r := core.NewJobRunner(interp, stat)
	r.Timeout = c.StageTimeout
	return r
}

// Verifier checks outputs relative to the configuration directory.
func (c *Config) Verifier() *core.Verifier {
	return core.NewVerifier(c.BaseDir)
}

// WithCooldown returns a copy with the debounce cooldown replaced.
func (c *Config) WithCooldown(d time.Duration) *Config {
	cp := c.clone()
	cp.Watch.Cooldown = d
	return cp
}

// WithMetricsAddr returns a copy with the metrics listen address replaced.
func (c *Config) WithMetricsAddr(addr string) *Config {
	cp := c.clone()
	cp.MetricsAddr = strings.TrimSpace(addr)
	return cp
}

// WithStateDir returns a copy whose ledger lives under dir. A relative dir
// is resolved against the configuration directory.
func (c *Config) WithStateDir(dir string) *Config {
	cp := c.clone()
	if p := resolvePath(c.BaseDir, dir); p != "" {
		cp.StateDir = p
	}
	return cp
}

// WithKeepRuns returns a copy that prunes the ledger to the newest n runs.
func (c *Config) WithKeepRuns(n int) *Config {
	cp := c.clone()
	cp.KeepRuns = max(n, 0)
	return cp
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Watch.Dirs = slices.Clone(c.Watch.Dirs)
	cp.Watch.Extensions = slices.Clone(c.Watch.Extensions)
	cp.Watch.Ignore = slices.Clone(c.Watch.Ignore)
	cp.Stages = slices.Clone(c.Stages)
	cp.Outputs = make([]core.OutputSpec, len(c.Outputs))
	for i, o := range c.Outputs {
		o.Checkpoints = slices.Clone(o.Checkpoints)
		cp.Outputs[i] = o
	}
	cp.Interpreter.Args = slices.Clone(c.Interpreter.Args)
	cp.Statistical.Args = slices.Clone(c.Statistical.Args)
	return &cp
}
