package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"simwatch/internal/core"
	"simwatch/internal/pipeline"
)

const (
	ruleWide   = 50
	ruleNarrow = 40
)

// Console writes line-oriented progress and diagnostics for the operator.
// It implements pipeline.Reporter.
type Console struct {
	w         io.Writer
	presenter *Presenter

	mu sync.Mutex
}

// NewConsole creates a Console writing to w. A nil presenter uses the
// default preview settings.
func NewConsole(w io.Writer, p *Presenter) *Console {
	if p == nil {
		p = NewPresenter(DefaultPreviewSettings())
	}
	return &Console{w: w, presenter: p}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.w, format, args...)
}

// ChangeDetected announces the file that triggered a run.
func (c *Console) ChangeDetected(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("\nchange detected: %s\n", filepath.Base(path))
}

// WatchStarted announces that the monitor is waiting for changes.
func (c *Console) WatchStarted(dirs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("\nmonitoring %d director(ies), waiting for changes...\n", len(dirs))
}

// StartupCheck prints the integrity report shown before watching begins.
func (c *Console) StartupCheck(statuses []core.OutputStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("checking outputs...\n")
	c.integrity(statuses)
}

// Integrity prints which declared outputs exist, with their modification
// times, or which are missing.
func (c *Console) Integrity(statuses []core.OutputStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integrity(statuses)
}

func (c *Console) integrity(statuses []core.OutputStatus) {
	var missing []core.OutputStatus
	for _, st := range statuses {
		if !st.Exists {
			missing = append(missing, st)
		}
	}
	if len(missing) > 0 {
		c.printf("warning: %d key output(s) missing\n", len(missing))
		for i, st := range missing {
			c.printf("%d. %s @ %s", i+1, st.Output.Name(), filepath.Dir(st.Output.Path))
			if st.Err != nil {
				c.printf(" (%v)", st.Err)
			}
			c.printf("\n")
		}
		return
	}
	c.printf("all outputs verified\n")
	if len(statuses) == 0 {
		return
	}
	c.printf("\ncurrent output state:\n")
	for _, st := range statuses {
		c.printf("* %s | last updated: %s\n", st.Output.Name(), st.ModTime.Local().Format(time.ANSIC))
	}
}

// Bootstrap announces that a stage runs first to create missing inputs.
func (c *Console) Bootstrap(stage core.StageSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("initializing missing inputs: running %s\n", stage.Name())
}

// StageStarted prints the step counter for the stage about to run.
func (c *Console) StageStarted(stage core.StageSpec, index, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("\nstep %d/%d: running %s\n", index+1, total, stage.Name())
}

// StageSucceeded prints the stage name and its duration.
func (c *Console) StageSucceeded(res *core.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("ok %s (%s)\n", res.Stage.Name(), res.Duration.Round(time.Millisecond))
}

// Checkpoint reports the outputs found, or listed missing, after a stage.
func (c *Console) Checkpoint(stage core.StageSpec, res core.CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.OK() {
		c.printf("checkpoint after %s: %d output(s) present\n", stage.Name(), len(res.Existing))
		return
	}
	c.printf("warning: %d output(s) missing after %s\n", len(res.Missing), stage.Name())
	for i, o := range res.Missing {
		c.printf("%d. %s @ %s\n", i+1, o.Name(), filepath.Dir(o.Path))
	}
}

// Aborted prints why a run stopped, with the diagnostic and any error lines.
func (c *Console) Aborted(rs *pipeline.RunState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch rs.Outcome {
	case pipeline.OutcomeAbortedOnError:
		lines := strings.SplitN(rs.Diagnostic(), "\n", 2)
		c.printf("FAILED: %s\n", lines[0])
		if len(lines) == 2 {
			rule := strings.Repeat("=", ruleWide)
			c.printf("%s\n%s\n%s\n", rule, lines[1], rule)
		}
		if res := rs.LastResult(); res != nil && len(res.ErrorLines) > 0 {
			c.printf("error lines:\n")
			for _, l := range res.ErrorLines {
				c.printf("  %s\n", l)
			}
		}
	default:
		c.printf("ABORTED: %s\n", rs.Diagnostic())
	}
}

// Completed prints the final integrity report and the result previews.
func (c *Console) Completed(attestation []core.OutputStatus, previews []core.OutputSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule := strings.Repeat("=", ruleNarrow)
	c.printf("\npipeline completed\n")
	c.printf("\n%s\ncurrent system state:\n", rule)
	c.integrity(attestation)
	if len(previews) > 0 {
		c.printf("\n%s\nkey results:\n", rule)
		c.presenter.Render(c.w, previews)
	}
	c.printf("%s\n\n", rule)
}
