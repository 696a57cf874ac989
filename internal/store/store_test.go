package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/craterd/internal/model"
)

func newTestStore(t *testing.T) (*ExperimentStore, *ResultStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	results := NewResultStore(db, nil)
	return NewExperimentStore(db, results), results
}

func newExperiment(name string, priority int) *model.Experiment {
	return &model.Experiment{
		Name:       name,
		Mode:       model.ModeBuildAndTest,
		CapLints:   model.CapLintsForbid,
		Toolchains: [2]model.Toolchain{"tc1", "tc2"},
		Packages:   []model.Package{"a", "b"},
		ServerData: model.ServerData{Priority: priority, CreatedAt: time.Now(), Status: model.StatusQueued},
	}
}

func TestNextPriorityOrdering(t *testing.T) {
	experiments, _ := newTestStore(t)

	low := newExperiment("test", 0)
	if err := experiments.Create(low); err != nil {
		t.Fatalf("create low: %v", err)
	}
	time.Sleep(time.Millisecond)
	high := newExperiment("important", 10)
	if err := experiments.Create(high); err != nil {
		t.Fatalf("create high: %v", err)
	}

	isNew, e, err := experiments.Next("agent-1")
	if err != nil || !isNew || e == nil || e.Name != "important" {
		t.Fatalf("next(agent-1) = isNew=%v e=%v err=%v, want (true, important)", isNew, e, err)
	}
	if e.ServerData.Status != model.StatusRunning {
		t.Fatalf("status = %s, want running", e.ServerData.Status)
	}
	if e.ServerData.AssignedTo == nil || *e.ServerData.AssignedTo != "agent-1" {
		t.Fatalf("assigned_to = %v, want agent-1", e.ServerData.AssignedTo)
	}

	isNew, e, err = experiments.Next("agent-1")
	if err != nil || isNew || e == nil || e.Name != "important" {
		t.Fatalf("second next(agent-1) = isNew=%v e=%v err=%v, want (false, important)", isNew, e, err)
	}

	isNew, e, err = experiments.Next("agent-2")
	if err != nil || !isNew || e == nil || e.Name != "test" {
		t.Fatalf("next(agent-2) = isNew=%v e=%v err=%v, want (true, test)", isNew, e, err)
	}

	isNew, e, err = experiments.Next("agent-3")
	if err != nil || e != nil {
		t.Fatalf("next(agent-3) = isNew=%v e=%v err=%v, want (_, nil)", isNew, e, err)
	}
}

// Transitions into Running stamp started_at; transitions away from Running
// stamp completed_at; neither is overwritten once set.
func TestStatusTransitionsStampTimestamps(t *testing.T) {
	experiments, _ := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, got, err := experiments.Next("agent-1")
	if err != nil || got == nil {
		t.Fatalf("next: %v", err)
	}
	if got.ServerData.StartedAt == nil {
		t.Fatalf("started_at not stamped on transition to running")
	}
	startedAt := *got.ServerData.StartedAt

	// Agent abandonment: Running -> Queued stamps completed_at.
	if err := experiments.SetStatus(e.Name, model.StatusQueued); err != nil {
		t.Fatalf("set status queued: %v", err)
	}
	if err := experiments.SetAssignedTo(e.Name, nil); err != nil {
		t.Fatalf("clear assigned_to: %v", err)
	}

	after, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.ServerData.CompletedAt == nil {
		t.Fatalf("completed_at not stamped on leaving running")
	}
	if after.ServerData.CompletedAt.Before(startedAt) {
		t.Fatalf("completed_at %v precedes started_at %v", after.ServerData.CompletedAt, startedAt)
	}
	if after.ServerData.AssignedTo != nil {
		t.Fatalf("assigned_to should be cleared, got %v", *after.ServerData.AssignedTo)
	}
	if !after.ServerData.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at changed across transitions: %v vs %v", after.ServerData.StartedAt, startedAt)
	}
}

func TestSetPackagesSingleTransaction(t *testing.T) {
	experiments, _ := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := experiments.SetPackages(e.Name, []model.Package{"c", "d", "e"}, nil); err != nil {
		t.Fatalf("set packages: %v", err)
	}

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Packages) != 3 {
		t.Fatalf("packages = %v, want 3 entries", got.Packages)
	}
}

type skipConfig struct {
	skip map[model.Package]bool
}

func (c skipConfig) ShouldSkip(pkg model.Package) bool { return c.skip[pkg] }

// A package skipped at ingestion stays recorded on the experiment — the
// stored flag only shrinks the progress denominator. Whether it actually
// runs is the live config's call at graph-build time, so fixing the filter
// later can un-skip it.
func TestSkippedPackagesStayVisibleButOutOfProgress(t *testing.T) {
	experiments, _ := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg := skipConfig{skip: map[model.Package]bool{"b": true}}
	if err := experiments.SetPackages(e.Name, []model.Package{"a", "b"}, cfg); err != nil {
		t.Fatalf("set packages: %v", err)
	}

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Packages) != 2 {
		t.Fatalf("packages = %v, want both a and b (skipped stays recorded)", got.Packages)
	}

	_, total, err := experiments.Progress(e.Name)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2 (only the non-skipped package counts)", total)
	}
}

func TestProgressMonotonic(t *testing.T) {
	experiments, results := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	done, total, err := experiments.Progress(e.Name)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if done != 0 || total != 4 {
		t.Fatalf("progress = (%d, %d), want (0, 4)", done, total)
	}

	if _, err := results.Record(context.Background(), e.Name, "a", "tc1", model.OutcomeTestPass, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	done, _, err = experiments.Progress(e.Name)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if done != 1 {
		t.Fatalf("done = %d, want 1", done)
	}
	if ProgressPercent(1, 4) != 25 {
		t.Fatalf("percent = %d, want 25", ProgressPercent(1, 4))
	}
	if ProgressPercent(0, 0) != 0 {
		t.Fatalf("percent(0,0) = %d, want 0", ProgressPercent(0, 0))
	}
}

func TestSetStartEndToolchainRejectsEqual(t *testing.T) {
	experiments, _ := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := experiments.SetStartToolchain(e.Name, "tc2"); err == nil {
		t.Fatalf("expected validation error setting start toolchain equal to end")
	}

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Toolchains[0] != "tc1" {
		t.Fatalf("start toolchain changed despite validation failure: %v", got.Toolchains)
	}
}

func TestRemoveCompletedPackagesTrimsFinishedOnes(t *testing.T) {
	experiments, results := newTestStore(t)
	e := newExperiment("exp", 0) // packages: a, b; toolchains: tc1, tc2
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	// "a" finishes both toolchains; "b" only gets one result recorded.
	for _, rec := range []struct {
		pkg model.Package
		tc  model.Toolchain
	}{{"a", "tc1"}, {"a", "tc2"}, {"b", "tc1"}} {
		if _, err := results.Record(context.Background(), e.Name, rec.pkg, rec.tc, model.OutcomeTestPass, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := experiments.RemoveCompletedPackages(e.Name); err != nil {
		t.Fatalf("remove completed packages: %v", err)
	}

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Packages) != 1 || got.Packages[0] != "b" {
		t.Fatalf("packages = %v, want only [b]", got.Packages)
	}
}

func TestDeleteCascades(t *testing.T) {
	experiments, results := newTestStore(t)
	e := newExperiment("exp", 0)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := results.Record(context.Background(), e.Name, "a", "tc1", model.OutcomeTestPass, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := experiments.Delete(e.Name); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if exists, _ := experiments.Exists(e.Name); exists {
		t.Fatalf("experiment still exists after delete")
	}
	count, err := results.CountForExperiment(e.Name)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("results not cascaded, count = %d", count)
	}
}
