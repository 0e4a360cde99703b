package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simwatch/internal/config"
	"simwatch/internal/metrics"
	"simwatch/internal/pipeline"
	"simwatch/internal/watch"
)

// Watch loads the configuration, prints the startup integrity report and
// re-runs the pipeline on relevant changes until ctx is done.
func Watch(ctx context.Context, inv Invocation, out io.Writer, logger *zap.Logger) (CLIResult, error) {
	cfg, err := LoadConfig(inv)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	s, err := NewSession(cfg, out, logger)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	if err := s.Watch(ctx, nil); err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

// Watch runs the watch loop. ready, when non-nil, is closed once the
// subscriptions are in place.
func (s *Session) Watch(ctx context.Context, ready chan<- struct{}) error {
	cfg := s.Config
	s.Console.StartupCheck(s.Outputs())

	d := watch.NewDebouncer(s.handleChange,
		watch.WithCooldown(cfg.Watch.Cooldown),
		watch.WithExtensions(cfg.Watch.Extensions...),
		watch.WithAfterRun(func(context.Context) { s.Console.Integrity(s.Outputs()) }),
		watch.WithLogger(s.logger.Named("debounce")),
		watch.WithMetrics(s.Metrics),
	)
	w, err := watch.NewWatcher(cfg.Watch.Dirs, d,
		watch.WithWatcherLogger(s.logger.Named("watch")),
		watch.WithIgnoredDirs(append([]string{stateDirName(cfg.StateDir)}, cfg.Watch.Ignore...)...),
	)
	if err != nil {
		return &config.ConfigError{Path: cfg.Source, Err: err}
	}
	defer w.Close()

	s.logger.Info("watching for changes",
		zap.Strings("dirs", cfg.Watch.Dirs),
		zap.Strings("extensions", cfg.Watch.Extensions),
		zap.Duration("cooldown", cfg.Watch.Cooldown))
	s.Console.WatchStarted(w.WatchList())
	if ready != nil {
		close(ready)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The metrics endpoint lives only as long as the watch loop.
		defer cancel()
		return w.Run(gctx)
	})
	if addr := cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, addr, s.Metrics, s.logger.Named("metrics")); err != nil {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}
	err = g.Wait()
	s.logger.Info("watch stopped")
	return err
}

// handleChange is the debouncer's dispatch target.
func (s *Session) handleChange(ctx context.Context, path string, at time.Time) {
	s.Console.ChangeDetected(path)
	rs, err := s.Run(ctx, pipeline.Trigger{Source: "watch", Path: path, At: at})
	if errors.Is(err, pipeline.ErrBusy) {
		s.logger.Debug("pipeline busy, change dropped", zap.String("path", path))
		return
	}
	if err != nil {
		s.logger.Error("pipeline run failed to start", zap.String("path", path), zap.Error(err))
		return
	}
	if !rs.Succeeded() {
		s.logger.Warn("pipeline aborted",
			zap.String("run_id", rs.RunID),
			zap.String("outcome", string(rs.Outcome)),
			zap.Error(rs.Err))
	}
}

// stateDirName is the base name of the ledger directory, skipped when
// walking the watched trees.
func stateDirName(dir string) string {
	return filepath.Base(dir)
}
