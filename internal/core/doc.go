// Package core provides the domain model and the two leaf components of the
// pipeline orchestrator.
//
// # Core Types
//
// StageSpec: one external job of the static plan, tagged with its StageKind.
// OutputSpec: a declared output file, its preview mode and checkpoints.
// RunResult: the normalized outcome of one stage execution.
//
// # Components
//
// JobRunner executes a single stage as a child process. It hides the
// differences between interpreted scripts and the statistical runtime
// (argument syntax, log artifact, text encoding) behind one result shape.
//
// Verifier checks declared outputs on disk. It never fails: absence is a
// reportable outcome, not an error.
package core
