// Package config loads the monitor's YAML configuration into an immutable
// Config.
//
// The loader is strict: unknown fields are rejected, relative paths are
// resolved against the directory of the configuration file (never the
// process working directory) and every stage kind is resolved up front.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCooldown       = 5 * time.Second
	DefaultStateDir       = ".simwatch"
	DefaultStatExecutable = "sas"
	DefaultStatEncoding   = "gbk"
	DefaultScriptEncoding = "utf-8"
)

// ConfigError reports an unreadable or invalid configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// file mirrors the YAML document. Durations are strings so that parse
// errors can name the field.
type file struct {
	Watch struct {
		Dirs       []string `yaml:"dirs"`
		Extensions []string `yaml:"extensions"`
		Cooldown   string   `yaml:"cooldown"`
		Ignore     []string `yaml:"ignore"`
	} `yaml:"watch"`

	Stages []struct {
		Path string `yaml:"path"`
		Kind string `yaml:"kind"`
	} `yaml:"stages"`

	Outputs []struct {
		Path        string `yaml:"path"`
		Preview     string `yaml:"preview"`
		Checkpoints []int  `yaml:"checkpoints"`
	} `yaml:"outputs"`

	Interpreter struct {
		Command    string   `yaml:"command"`
		Args       []string `yaml:"args"`
		Encoding   string   `yaml:"encoding"`
		Extensions []string `yaml:"extensions"`
	} `yaml:"interpreter"`

	Statistical struct {
		Executable   string   `yaml:"executable"`
		Log          string   `yaml:"log"`
		Args         []string `yaml:"args"`
		Shell        bool     `yaml:"shell"`
		Encoding     string   `yaml:"encoding"`
		LogTailChars int      `yaml:"log_tail_chars"`
		Extensions   []string `yaml:"extensions"`
	} `yaml:"statistical"`

	Preview struct {
		Rows       int    `yaml:"rows"`
		Columns    int    `yaml:"columns"`
		TextChars  int    `yaml:"text_chars"`
		TextColumn string `yaml:"text_column"`
	} `yaml:"preview"`

	StageTimeout string `yaml:"stage_timeout"`
	StateDir     string `yaml:"state_dir"`
	KeepRuns     int    `yaml:"keep_runs"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ConfigError{Path: abs, Err: fmt.Errorf("read: %w", err)}
	}
	cfg, err := Parse(b, filepath.Dir(abs))
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = abs
			return nil, ce
		}
		return nil, &ConfigError{Path: abs, Err: err}
	}
	cfg.Source = abs
	return cfg, nil
}

// Parse decodes a YAML document. Relative paths are resolved against
// baseDir, which must be absolute.
func Parse(data []byte, baseDir string) (*Config, error) {
	if !filepath.IsAbs(baseDir) {
		return nil, &ConfigError{Err: fmt.Errorf("base directory must be absolute (got %q)", baseDir)}
	}

	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Err: errors.New("empty document")}
		}
		return nil, &ConfigError{Err: fmt.Errorf("parse yaml: %w", err)}
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, &ConfigError{Err: errors.New("parse yaml: more than one document")}
		}
		return nil, &ConfigError{Err: fmt.Errorf("parse yaml: %w", err)}
	}

	cfg, err := build(&f, filepath.Clean(baseDir))
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative (got %s)", field, raw)
	}
	return d, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
