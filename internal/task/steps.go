package task

import (
	"context"
	"fmt"

	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

// prepareTask unpacks and readies one package's source tree. It has no
// toolchain and records no result; it needs to run iff at least one of its
// downstream per-toolchain steps still does. downstream is wired by
// internal/dag.Build after both per-toolchain step tasks for the same
// package exist.
type prepareTask struct {
	pkg        model.Package
	executor   StepExecutor
	downstream []Task
}

// NewPrepareTask constructs the Prepare task for pkg. Call SetDownstream
// once the per-toolchain tasks for pkg exist.
func NewPrepareTask(pkg model.Package, executor StepExecutor) *prepareTask {
	return &prepareTask{pkg: pkg, executor: executor}
}

// SetDownstream wires the per-toolchain step tasks this Prepare node gates.
func (t *prepareTask) SetDownstream(steps []Task) { t.downstream = steps }

func (t *prepareTask) Spec() model.TaskSpec {
	return model.TaskSpec{Package: t.pkg, Step: model.Step{Kind: model.StepPrepare}}
}

func (t *prepareTask) NeedsExec(ctx context.Context, experiment string, results *store.ResultStore) (bool, error) {
	for _, d := range t.downstream {
		need, err := d.NeedsExec(ctx, experiment, results)
		if err != nil {
			return false, fmt.Errorf("prepare %s: %w", t.pkg, err)
		}
		if need {
			return true, nil
		}
	}
	return false, nil
}

func (t *prepareTask) Run(ctx context.Context, experiment string, results *store.ResultStore) error {
	_, err := t.executor.Execute(ctx, experiment, t.Spec())
	return err
}

// MarkAsFailed records nothing: Prepare has no toolchain to record under.
func (t *prepareTask) MarkAsFailed(context.Context, string, *store.ResultStore, error, model.Outcome) error {
	return nil
}

// stepTask models the four toolchain-bearing step kinds: BuildOnly,
// BuildAndTest, CheckOnly, UnstableFeatures. They differ only in which build
// tool invocation the (out of scope) executor performs; the Task Contract
// logic is identical across all four, so one type serves them all.
type stepTask struct {
	pkg      model.Package
	step     model.Step
	executor StepExecutor
}

// NewStepTask constructs a toolchain step task.
func NewStepTask(pkg model.Package, step model.Step, executor StepExecutor) *stepTask {
	return &stepTask{pkg: pkg, step: step, executor: executor}
}

func (t *stepTask) Spec() model.TaskSpec { return model.TaskSpec{Package: t.pkg, Step: t.step} }

func (t *stepTask) NeedsExec(ctx context.Context, experiment string, results *store.ResultStore) (bool, error) {
	_, found, err := results.Get(ctx, experiment, t.pkg, t.step.Toolchain)
	if err != nil {
		return false, fmt.Errorf("needs_exec %s: %w", t.Spec(), err)
	}
	return !found, nil
}

func (t *stepTask) Run(ctx context.Context, experiment string, results *store.ResultStore) error {
	logBlob, err := t.executor.Execute(ctx, experiment, t.Spec())
	if err != nil {
		return err
	}
	_, err = results.Record(ctx, experiment, t.pkg, t.step.Toolchain, successOutcome(t.step), logBlob)
	return err
}

func (t *stepTask) MarkAsFailed(ctx context.Context, experiment string, results *store.ResultStore, cause error, outcome model.Outcome) error {
	logBlob := []byte(fmt.Sprintf("marked as failed: %v", cause))
	_, err := results.Record(ctx, experiment, t.pkg, t.step.Toolchain, outcome, logBlob)
	return err
}
