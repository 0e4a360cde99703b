package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"

	"simwatch/internal/core"
)

// Plan is the static, ordered list of stages plus the declared outputs.
// It is validated once and never mutated afterwards.
type Plan struct {
	stages  []core.StageSpec
	outputs []core.OutputSpec
	hash    string
}

// NewPlan validates and freezes a plan.
//
// Rules:
//   - at least one stage
//   - positions are non-negative and strictly increasing
//   - every stage has a path and a known kind
//   - output paths are non-empty and unique
//   - every checkpoint names a stage position of the plan
func NewPlan(stages []core.StageSpec, outputs []core.OutputSpec) (*Plan, error) {
	if err := validatePlan(stages, outputs); err != nil {
		return nil, err
	}

	p := &Plan{
		stages:  make([]core.StageSpec, len(stages)),
		outputs: make([]core.OutputSpec, len(outputs)),
	}
	copy(p.stages, stages)
	for i, o := range outputs {
		o.Checkpoints = append([]int(nil), o.Checkpoints...)
		p.outputs[i] = o
	}
	p.hash = computePlanHash(p.stages, p.outputs)
	return p, nil
}

func validatePlan(stages []core.StageSpec, outputs []core.OutputSpec) error {
	var errs []error
	if len(stages) == 0 {
		errs = append(errs, invalidf("plan has no stages"))
	}

	positions := make(map[int]bool, len(stages))
	prev := -1
	for i, s := range stages {
		if s.Position < 0 {
			errs = append(errs, invalidf("stage %d: negative position %d", i, s.Position))
		}
		if s.Position <= prev {
			errs = append(errs, invalidf("stage %d: position %d is not greater than %d", i, s.Position, prev))
		}
		prev = s.Position
		positions[s.Position] = true

		if s.Path == "" {
			errs = append(errs, invalidf("stage %d: path is required", i))
		}
		if _, err := core.ParseStageKind(string(s.Kind)); err != nil {
			errs = append(errs, invalidf("stage %d: %v", i, err))
		}
	}

	seen := make(map[string]bool, len(outputs))
	for i, o := range outputs {
		if o.Path == "" {
			errs = append(errs, invalidf("output %d: path is required", i))
			continue
		}
		if seen[o.Path] {
			errs = append(errs, invalidf("output %d: duplicate path %q", i, o.Path))
		}
		seen[o.Path] = true
		if _, err := core.ParsePreviewMode(string(o.Preview)); err != nil {
			errs = append(errs, invalidf("output %s: %v", o.Name(), err))
		}
		for _, k := range o.Checkpoints {
			if !positions[k] {
				errs = append(errs, invalidf("output %s: checkpoint %d is not a stage position", o.Name(), k))
			}
		}
	}
	return errors.Join(errs...)
}

// Stages returns the stages in execution order.
func (p *Plan) Stages() []core.StageSpec {
	out := make([]core.StageSpec, len(p.stages))
	copy(out, p.stages)
	return out
}

// Outputs returns every declared output in declared order.
func (p *Plan) Outputs() []core.OutputSpec {
	out := make([]core.OutputSpec, len(p.outputs))
	copy(out, p.outputs)
	return out
}

// Len is the number of stages.
func (p *Plan) Len() int { return len(p.stages) }

// CheckpointOutputs returns the outputs verified after the stage at
// position. Outputs not associated with position are never included.
func (p *Plan) CheckpointOutputs(position int) []core.OutputSpec {
	var out []core.OutputSpec
	for _, o := range p.outputs {
		if o.CheckedAfter(position) {
			out = append(out, o)
		}
	}
	return out
}

// CheckpointPositions returns the stage positions that trigger a
// verification, in execution order.
func (p *Plan) CheckpointPositions() []int {
	var out []int
	for _, s := range p.stages {
		if len(p.CheckpointOutputs(s.Position)) > 0 {
			out = append(out, s.Position)
		}
	}
	return out
}

// BootstrapOutput is the first declared output. When it is absent the
// first stage runs once before the main pass.
func (p *Plan) BootstrapOutput() (core.OutputSpec, bool) {
	if len(p.outputs) == 0 {
		return core.OutputSpec{}, false
	}
	return p.outputs[0], true
}

// PreviewOutputs returns the outputs that carry a preview mode.
func (p *Plan) PreviewOutputs() []core.OutputSpec {
	var out []core.OutputSpec
	for _, o := range p.outputs {
		if o.Preview != core.PreviewNone {
			out = append(out, o)
		}
	}
	return out
}

// Hash identifies the plan definition. It changes whenever a stage, an
// output or a checkpoint association changes.
func (p *Plan) Hash() string { return p.hash }

// computePlanHash hashes the declarative plan.
//
// All fields are length-prefixed to avoid ambiguity; order is significant.
func computePlanHash(stages []core.StageSpec, outputs []core.OutputSpec) string {
	h := sha256.New()

	var buf [8]byte
	writeField := func(data []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(data)))
		h.Write(buf[:])
		h.Write(data)
	}
	writeInt := func(n int) { writeField([]byte(strconv.Itoa(n))) }

	writeInt(len(stages))
	for _, s := range stages {
		writeInt(s.Position)
		writeField([]byte(s.Path))
		writeField([]byte(s.Kind))
	}

	writeInt(len(outputs))
	for _, o := range outputs {
		writeField([]byte(o.Path))
		writeField([]byte(o.Preview))
		writeInt(len(o.Checkpoints))
		for _, k := range o.Checkpoints {
			writeInt(k)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
