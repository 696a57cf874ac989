package reportsweep

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

type fakeGenerator struct {
	url string
	err error
}

func (g *fakeGenerator) Generate(ctx context.Context, e *model.Experiment) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.url, nil
}

func newTestExperimentStore(t *testing.T) *store.ExperimentStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	results := store.NewResultStore(db, nil)
	return store.NewExperimentStore(db, results)
}

func newTestSweep(t *testing.T, experiments *store.ExperimentStore, gen ReportGenerator) *Sweep {
	t.Helper()
	s, err := New("0 0 0 1 1 *", experiments, gen)
	if err != nil {
		t.Fatalf("new sweep: %v", err)
	}
	return s
}

func newExperiment(name string, status model.Status) *model.Experiment {
	return &model.Experiment{
		Name:       name,
		Mode:       model.ModeBuildAndTest,
		CapLints:   model.CapLintsForbid,
		Toolchains: [2]model.Toolchain{"tc1", "tc2"},
		Packages:   []model.Package{"a"},
		ServerData: model.ServerData{Status: status},
	}
}

func TestProcessCompletesOnSuccess(t *testing.T) {
	experiments := newTestExperimentStore(t)
	e := newExperiment("exp", model.StatusNeedsReport)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := newTestSweep(t, experiments, &fakeGenerator{url: "file://report.json"})
	s.process(context.Background(), e)

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ServerData.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.ServerData.Status)
	}
	if got.ServerData.ReportURL == nil || *got.ServerData.ReportURL != "file://report.json" {
		t.Fatalf("report url = %v, want file://report.json", got.ServerData.ReportURL)
	}
}

func TestProcessMarksReportFailedOnGeneratorError(t *testing.T) {
	experiments := newTestExperimentStore(t)
	e := newExperiment("exp", model.StatusNeedsReport)
	if err := experiments.Create(e); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := newTestSweep(t, experiments, &fakeGenerator{err: errors.New("boom")})
	s.process(context.Background(), e)

	got, err := experiments.Get(e.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ServerData.Status != model.StatusReportFailed {
		t.Fatalf("status = %s, want report-failed", got.ServerData.Status)
	}
}

func TestTickOnlyProcessesNeedsReportAndReportFailed(t *testing.T) {
	experiments := newTestExperimentStore(t)
	queued := newExperiment("queued", model.StatusQueued)
	needsReport := newExperiment("needs-report", model.StatusNeedsReport)
	reportFailed := newExperiment("report-failed", model.StatusReportFailed)
	for _, e := range []*model.Experiment{queued, needsReport, reportFailed} {
		if err := experiments.Create(e); err != nil {
			t.Fatalf("create %s: %v", e.Name, err)
		}
	}

	s := newTestSweep(t, experiments, &fakeGenerator{url: "file://x.json"})
	s.tick()

	gotQueued, err := experiments.Get("queued")
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if gotQueued.ServerData.Status != model.StatusQueued {
		t.Fatalf("queued experiment should be untouched, got %s", gotQueued.ServerData.Status)
	}

	for _, name := range []string{"needs-report", "report-failed"} {
		got, err := experiments.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if got.ServerData.Status != model.StatusCompleted {
			t.Fatalf("%s status = %s, want completed", name, got.ServerData.Status)
		}
	}
}
