// Package reportsweep advances experiments from NeedsReport through
// GeneratingReport to Completed or ReportFailed: a cron-driven poller that
// hands each report-ready experiment to a pluggable generator and records
// the result of the attempt in the experiment's status.
package reportsweep

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/store"
)

// ReportGenerator produces a report for a completed experiment. The
// shipped implementation (JSONGenerator) writes a minimal JSON summary;
// deployments with a real renderer substitute their own.
type ReportGenerator interface {
	Generate(ctx context.Context, experiment *model.Experiment) (reportURL string, err error)
}

// Sweep is a robfig/cron-driven poller.
type Sweep struct {
	cron *cron.Cron

	experiments *store.ExperimentStore
	generator   ReportGenerator

	runs  metric.Int64Counter
	fails metric.Int64Counter
}

// New builds a Sweep that ticks on cronExpr, a seconds-precision 6-field
// cron expression (e.g. "*/30 * * * * *").
func New(cronExpr string, experiments *store.ExperimentStore, generator ReportGenerator) (*Sweep, error) {
	meter := otel.GetMeterProvider().Meter("craterd/reportsweep")
	runs, _ := meter.Int64Counter("craterd.reportsweep.runs")
	fails, _ := meter.Int64Counter("craterd.reportsweep.failures")

	c := cron.New(cron.WithSeconds())
	s := &Sweep{cron: c, experiments: experiments, generator: generator, runs: runs, fails: fails}

	if _, err := c.AddFunc(cronExpr, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep's cron schedule.
func (s *Sweep) Start() {
	s.cron.Start()
	slog.Info("report sweep started")
}

// Stop waits (up to ctx's deadline) for any in-flight tick to finish.
func (s *Sweep) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("report sweep stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweep) tick() {
	ctx := context.Background()
	all, err := s.experiments.All()
	if err != nil {
		slog.Error("report sweep: list experiments", "error", err)
		return
	}

	for _, e := range all {
		if e.ServerData.Status != model.StatusNeedsReport && e.ServerData.Status != model.StatusReportFailed {
			continue
		}
		s.runs.Add(ctx, 1)
		s.process(ctx, e)
	}
}

func (s *Sweep) process(ctx context.Context, e *model.Experiment) {
	if err := s.experiments.SetStatus(e.Name, model.StatusGeneratingReport); err != nil {
		slog.Error("report sweep: set generating-report", "experiment", e.Name, "error", err)
		return
	}

	url, err := s.generator.Generate(ctx, e)
	if err != nil {
		s.fails.Add(ctx, 1)
		slog.Error("report sweep: generate report failed", "experiment", e.Name, "error", err)
		if serr := s.experiments.SetStatus(e.Name, model.StatusReportFailed); serr != nil {
			slog.Error("report sweep: set report-failed", "experiment", e.Name, "error", serr)
		}
		return
	}

	if err := s.experiments.SetReportURL(e.Name, url); err != nil {
		slog.Error("report sweep: set report url", "experiment", e.Name, "error", err)
	}
	if err := s.experiments.SetStatus(e.Name, model.StatusCompleted); err != nil {
		slog.Error("report sweep: set completed", "experiment", e.Name, "error", err)
	}
}
