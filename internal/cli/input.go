package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"simwatch/internal/config"
	"simwatch/internal/logging"
)

const (
	ExitSuccess           = 0
	ExitRunFailure        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// DefaultConfigName is looked up in WorkDir when no --config is given.
const DefaultConfigName = "simwatch.yaml"

// Flags are the raw command-line values as parsed by cobra.
type Flags struct {
	WorkDir     string
	ConfigPath  string
	Verbose     bool
	LogFormat   string
	Cooldown    string
	MetricsAddr string
	StateDir    string
	Keep        int
	// KeepSet records whether --keep was given explicitly.
	KeepSet bool
}

// Invocation is the canonicalized description of one command.
//
// ConfigPath is absolute. Overrides are nil when the flag was not given,
// so the configuration file keeps the final say.
type Invocation struct {
	WorkDir    string
	ConfigPath string

	Verbose   bool
	LogFormat logging.Format

	Cooldown    *time.Duration
	MetricsAddr *string
	StateDir    *string
	KeepRuns    *int
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation canonicalizes f. WorkDir must be absolute; relative
// paths are resolved under it, never under the process working directory.
func ParseInvocation(f Flags) (Invocation, error) {
	workDir := strings.TrimSpace(f.WorkDir)
	if workDir == "" {
		return Invocation{}, invalidInvocationf("working directory is required")
	}
	workDir = filepath.Clean(workDir)
	if !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("working directory must be an absolute path (got %q)", workDir)
	}

	cfgPath := f.ConfigPath
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = DefaultConfigName
	}
	resolved, err := resolveUnderWorkDir(workDir, cfgPath)
	if err != nil {
		return Invocation{}, err
	}

	format, err := logging.ParseFormat(f.LogFormat)
	if err != nil {
		return Invocation{}, invalidInvocationf("--log-format: %v", err)
	}

	inv := Invocation{
		WorkDir:    workDir,
		ConfigPath: resolved,
		Verbose:    f.Verbose,
		LogFormat:  format,
	}

	if raw := strings.TrimSpace(f.Cooldown); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Invocation{}, invalidInvocationf("invalid --cooldown %q: %v", raw, err)
		}
		if d < 0 {
			return Invocation{}, invalidInvocationf("--cooldown must not be negative (got %s)", raw)
		}
		inv.Cooldown = &d
	}
	if addr := strings.TrimSpace(f.MetricsAddr); addr != "" {
		inv.MetricsAddr = &addr
	}
	if dir := strings.TrimSpace(f.StateDir); dir != "" {
		p, err := resolveUnderWorkDir(workDir, dir)
		if err != nil {
			return Invocation{}, err
		}
		inv.StateDir = &p
	}
	if f.KeepSet {
		if f.Keep < 0 {
			return Invocation{}, invalidInvocationf("--keep must not be negative (got %d)", f.Keep)
		}
		keep := f.Keep
		inv.KeepRuns = &keep
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// LoadConfig loads the configuration named by inv and applies its
// overrides.
func LoadConfig(inv Invocation) (*config.Config, error) {
	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		return nil, err
	}
	if inv.Cooldown != nil {
		cfg = cfg.WithCooldown(*inv.Cooldown)
	}
	if inv.MetricsAddr != nil {
		cfg = cfg.WithMetricsAddr(*inv.MetricsAddr)
	}
	if inv.StateDir != nil {
		cfg = cfg.WithStateDir(*inv.StateDir)
	}
	if inv.KeepRuns != nil {
		cfg = cfg.WithKeepRuns(*inv.KeepRuns)
	}
	return cfg, nil
}

// ExitCode maps an error to a semantic exit code. Unknown errors map to
// ExitInternalError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitInternalError
}
