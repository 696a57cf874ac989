package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

type fakeExecutor struct {
	fail bool
}

func (e *fakeExecutor) Execute(ctx context.Context, experiment string, spec model.TaskSpec) ([]byte, error) {
	if e.fail {
		return nil, errors.New("injected")
	}
	return []byte("log"), nil
}

func newTestResultStore(t *testing.T) *store.ResultStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewResultStore(db, nil)
}

func TestStepTaskNeedsExec(t *testing.T) {
	ctx := context.Background()
	results := newTestResultStore(t)
	step := model.Step{Kind: model.StepBuildOnly, Toolchain: "tc1"}
	st := NewStepTask("pkg", step, &fakeExecutor{})

	needs, err := st.NeedsExec(ctx, "exp", results)
	if err != nil || !needs {
		t.Fatalf("needs_exec = %v, %v; want true, nil", needs, err)
	}

	if err := st.Run(ctx, "exp", results); err != nil {
		t.Fatalf("run: %v", err)
	}

	needs, err = st.NeedsExec(ctx, "exp", results)
	if err != nil || needs {
		t.Fatalf("needs_exec after run = %v, %v; want false, nil", needs, err)
	}
}

func TestStepTaskMarkAsFailedRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	results := newTestResultStore(t)
	step := model.Step{Kind: model.StepBuildAndTest, Toolchain: "tc1"}
	st := NewStepTask("pkg", step, &fakeExecutor{fail: true})

	cause := errors.New("boom")
	if err := st.MarkAsFailed(ctx, "exp", results, cause, model.OutcomeBuildFail); err != nil {
		t.Fatalf("mark_as_failed: %v", err)
	}

	outcome, found, err := results.Get(ctx, "exp", "pkg", "tc1")
	if err != nil || !found {
		t.Fatalf("expected recorded outcome, found=%v err=%v", found, err)
	}
	if outcome != model.OutcomeBuildFail {
		t.Fatalf("outcome = %s, want build-fail", outcome)
	}
}

func TestPrepareTaskNeedsExecDelegates(t *testing.T) {
	ctx := context.Background()
	results := newTestResultStore(t)

	tc1 := NewStepTask("pkg", model.Step{Kind: model.StepBuildOnly, Toolchain: "tc1"}, &fakeExecutor{})
	tc2 := NewStepTask("pkg", model.Step{Kind: model.StepBuildOnly, Toolchain: "tc2"}, &fakeExecutor{})

	prep := NewPrepareTask("pkg", &fakeExecutor{})
	prep.SetDownstream([]Task{tc1, tc2})

	needs, err := prep.NeedsExec(ctx, "exp", results)
	if err != nil || !needs {
		t.Fatalf("prepare needs_exec = %v, %v; want true, nil (both downstream need exec)", needs, err)
	}

	if err := tc1.Run(ctx, "exp", results); err != nil {
		t.Fatalf("run tc1: %v", err)
	}
	needs, err = prep.NeedsExec(ctx, "exp", results)
	if err != nil || !needs {
		t.Fatalf("prepare needs_exec = %v, %v; want true (tc2 still pending)", needs, err)
	}

	if err := tc2.Run(ctx, "exp", results); err != nil {
		t.Fatalf("run tc2: %v", err)
	}
	needs, err = prep.NeedsExec(ctx, "exp", results)
	if err != nil || needs {
		t.Fatalf("prepare needs_exec = %v, %v; want false (both done)", needs, err)
	}
}

func TestPrepareTaskMarkAsFailedRecordsNothing(t *testing.T) {
	ctx := context.Background()
	results := newTestResultStore(t)
	prep := NewPrepareTask("pkg", &fakeExecutor{})

	if err := prep.MarkAsFailed(ctx, "exp", results, errors.New("x"), model.OutcomeError); err != nil {
		t.Fatalf("mark_as_failed: %v", err)
	}
	if _, found, _ := results.Get(ctx, "exp", "pkg", ""); found {
		t.Fatalf("prepare should never record a result")
	}
}

func TestSandboxExecutorIsContractOnly(t *testing.T) {
	ex := NewSandboxExecutor()
	_, err := ex.Execute(context.Background(), "exp", model.TaskSpec{Package: "pkg", Step: model.Step{Kind: model.StepPrepare}})
	if err == nil {
		t.Fatalf("expected sandbox executor to return an error (contract only)")
	}
}
