package core

import (
	"fmt"
	"path/filepath"
	"strings"
)

// StageKind selects how a stage is executed. It is resolved once, when the
// plan is built, and never re-derived from the path at call time.
type StageKind string

const (
	// KindScript runs the stage through the configured interpreter.
	KindScript StageKind = "script"
	// KindStatistical runs the stage through the statistical runtime, which
	// reports failures through a separate log artifact.
	KindStatistical StageKind = "statistical"
)

// ParseStageKind validates a configured kind name.
func ParseStageKind(raw string) (StageKind, error) {
	switch StageKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindScript:
		return KindScript, nil
	case KindStatistical:
		return KindStatistical, nil
	default:
		return "", fmt.Errorf("unknown stage kind %q (expected script|statistical)", raw)
	}
}

// KindResolver maps executable suffixes to stage kinds.
type KindResolver struct {
	ScriptExtensions      []string
	StatisticalExtensions []string
}

// DefaultKindResolver maps .py to script stages and .sas to statistical
// stages.
func DefaultKindResolver() KindResolver {
	return KindResolver{
		ScriptExtensions:      []string{".py"},
		StatisticalExtensions: []string{".sas"},
	}
}

// Resolve returns the kind for path by its extension (case-insensitive).
func (r KindResolver) Resolve(path string) (StageKind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", fmt.Errorf("cannot infer stage kind for %q: no extension", path)
	}
	for _, e := range r.ScriptExtensions {
		if strings.EqualFold(e, ext) {
			return KindScript, nil
		}
	}
	for _, e := range r.StatisticalExtensions {
		if strings.EqualFold(e, ext) {
			return KindStatistical, nil
		}
	}
	return "", fmt.Errorf("cannot infer stage kind for %q: extension %s is not configured", path, ext)
}

// StageSpec is one external job of the static plan.
//
// Position is 0-based and defines execution order. Within a plan positions
// are strictly increasing and unique.
type StageSpec struct {
	Position int       `json:"position" yaml:"position"`
	Path     string    `json:"path" yaml:"path"`
	Kind     StageKind `json:"kind" yaml:"kind"`
}

// Name is the stage's display name (the executable's base name).
func (s StageSpec) Name() string {
	return filepath.Base(s.Path)
}

func (s StageSpec) String() string {
	return fmt.Sprintf("%d:%s(%s)", s.Position, s.Name(), s.Kind)
}

// PreviewMode selects how an output is previewed after a successful run.
type PreviewMode string

const (
	PreviewNone       PreviewMode = ""
	PreviewText       PreviewMode = "text"
	PreviewMatrix     PreviewMode = "matrix"
	PreviewSimilarity PreviewMode = "similarity"
)

// ParsePreviewMode validates a configured preview mode. Empty means none.
func ParsePreviewMode(raw string) (PreviewMode, error) {
	switch m := PreviewMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case PreviewNone, PreviewText, PreviewMatrix, PreviewSimilarity:
		return m, nil
	default:
		return "", fmt.Errorf("unknown preview mode %q (expected text|matrix|similarity)", raw)
	}
}

// OutputSpec is a file the pipeline is expected to produce.
type OutputSpec struct {
	Path    string      `json:"path" yaml:"path"`
	Preview PreviewMode `json:"preview,omitempty" yaml:"preview,omitempty"`

	// Checkpoints lists the stage positions after which this output is
	// verified. Verification after stage k only covers outputs listing k.
	Checkpoints []int `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
}

// Name is the output's base name.
func (o OutputSpec) Name() string {
	return filepath.Base(o.Path)
}

// CheckedAfter reports whether the output is verified after position.
func (o OutputSpec) CheckedAfter(position int) bool {
	for _, p := range o.Checkpoints {
		if p == position {
			return true
		}
	}
	return false
}
