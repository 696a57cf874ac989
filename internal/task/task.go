// Package task defines the per-node work contract the DAG walker drives
// without knowing anything about toolchains, build tools or sandboxes. A
// task answers whether running it would add information, runs and records
// its own results, and can record the outcome it would have produced when
// a dependency failure means it never will run. The actual sandbox work
// sits behind the StepExecutor interface.
package task

import (
	"context"

	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

// Task is the contract a DAG node's work unit exposes to the walker.
// NeedsExec decides whether running would add information; Run performs
// the work and durably records results; MarkAsFailed records the outcome
// this task would have produced, for a node that will never run.
type Task interface {
	// Spec identifies which (package, step) this task represents, for
	// logging and DOT output.
	Spec() model.TaskSpec

	// NeedsExec reports whether executing this task would add information.
	NeedsExec(ctx context.Context, experiment string, results *store.ResultStore) (bool, error)

	// Run performs the task's work and writes results. Must be safe to call
	// from any worker goroutine and must not touch the DAG.
	Run(ctx context.Context, experiment string, results *store.ResultStore) error

	// MarkAsFailed records outcome for any (package, toolchain) this task
	// would have produced, given that it will never run.
	MarkAsFailed(ctx context.Context, experiment string, results *store.ResultStore, cause error, outcome model.Outcome) error
}

// StepExecutor performs the actual sandboxed work for one step: install a
// toolchain, unpack a package, invoke the build tool, capture output.
// Keeping it behind an interface lets tests substitute a fake and keeps
// the scheduler independent of how the sandbox is driven.
type StepExecutor interface {
	Execute(ctx context.Context, experiment string, spec model.TaskSpec) (logBlob []byte, err error)
}

// successOutcome is the outcome recorded when a toolchain step's executor
// returns without error. An executor that can tell "build ok, tests
// failed" apart from "build ok, tests passed" would report that itself
// via a richer StepExecutor result instead of this default.
func successOutcome(model.Step) model.Outcome {
	return model.OutcomeTestPass
}
