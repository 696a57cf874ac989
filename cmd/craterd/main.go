// Command craterd is the regression-testing execution engine's daemon: it
// serves the experiment store's agent-facing operations over HTTP, runs
// the report sweep, and drives a local worker pool against whatever
// experiment it picks up.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/craterd/internal/config"
	"github.com/swarmguard/craterd/internal/dag"
	"github.com/swarmguard/craterd/internal/logging"
	"github.com/swarmguard/craterd/internal/model"
	"github.com/swarmguard/craterd/internal/otelinit"
	"github.com/swarmguard/craterd/internal/pkgcache"
	"github.com/swarmguard/craterd/internal/pool"
	"github.com/swarmguard/craterd/internal/reportsweep"
	"github.com/swarmguard/craterd/internal/store"
	"github.com/swarmguard/craterd/internal/task"
)

const localAgentName = "craterd-local-agent"

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	service := "craterd"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, service)

	workDir := envOrDefault("CRATERD_WORK_DIR", "./work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		slog.Error("create work dir", "error", err)
		os.Exit(1)
	}

	filter, err := config.Load(envOrDefault("CRATERD_FILTER_FILE", filepath.Join(workDir, "filter.json")))
	if err != nil {
		slog.Error("load filter", "error", err)
		os.Exit(1)
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	filter.Watch(watchDone, func(err error) {
		slog.Error("filter hot-reload", "error", err)
	})

	db, err := store.Open(filepath.Join(workDir, "craterd.db"))
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := pkgcache.Open(filepath.Join(workDir, "pkgcache"))
	if err != nil {
		slog.Error("open pkgcache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	results := store.NewResultStore(db, cache)
	experiments := store.NewExperimentStore(db, results)

	sweep, err := reportsweep.New(envOrDefault("CRATERD_REPORT_CRON", "*/30 * * * * *"), experiments,
		&reportsweep.JSONGenerator{Dir: filepath.Join(workDir, "reports")})
	if err != nil {
		slog.Error("create report sweep", "error", err)
		os.Exit(1)
	}
	sweep.Start()
	defer func() {
		ctxSd, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = sweep.Stop(ctxSd)
	}()

	srv := newServer(experiments, results, filter, cache, workDir)

	httpServer := &http.Server{Addr: envOrDefault("CRATERD_ADDR", ":8080"), Handler: srv.routes(promHandler)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	go runLocalAgent(ctx, experiments, results, filter)

	slog.Info("craterd started", "addr", httpServer.Addr, "work_dir", workDir)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = httpServer.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// runLocalAgent is craterd acting as its own single worker agent: it polls
// Next in a loop and, whenever it picks up a freshly-assigned experiment,
// builds the DAG and drives it with a pool. Real deployments run agents as
// separate processes against the same HTTP surface server routes exposes;
// this loop exists so the DAG/task/pool stack has something to exercise end
// to end without a second binary.
func runLocalAgent(ctx context.Context, experiments *store.ExperimentStore, results *store.ResultStore, filter *config.Filter) {
	var running sync.Map // experiment name -> struct{}, to avoid double-running

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		isNew, e, err := experiments.Next(localAgentName)
		if err != nil {
			slog.Error("local agent: next", "error", err)
			continue
		}
		if e == nil || !isNew {
			continue
		}
		if _, already := running.LoadOrStore(e.Name, struct{}{}); already {
			continue
		}

		go func(e *model.Experiment) {
			defer running.Delete(e.Name)
			runExperiment(ctx, e, experiments, results, filter)
		}(e)
	}
}

func runExperiment(ctx context.Context, e *model.Experiment, experiments *store.ExperimentStore, results *store.ResultStore, filter *config.Filter) {
	slog.Info("local agent: running experiment", "experiment", e.Name)
	if err := experiments.RemoveCompletedPackages(e.Name); err != nil {
		slog.Error("local agent: remove completed packages", "experiment", e.Name, "error", err)
	} else if refreshed, err := experiments.Get(e.Name); err == nil {
		e = refreshed
	}

	executor := task.NewSandboxExecutor()
	graph := dag.Build(e, filter, executor)

	workers := 4
	if v := os.Getenv("CRATERD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}

	p := pool.New(workers)
	if err := p.Run(ctx, graph, e.Name, results, filter); err != nil {
		slog.Error("local agent: pool run failed", "experiment", e.Name, "error", err)
		return
	}

	if err := experiments.SetStatus(e.Name, model.StatusNeedsReport); err != nil {
		slog.Error("local agent: set needs-report", "experiment", e.Name, "error", err)
	}
}

type server struct {
	experiments *store.ExperimentStore
	results     *store.ResultStore
	filter      *config.Filter
	cache       *pkgcache.Cache
	workDir     string

	nextCounter   metric.Int64Counter
	recordCounter metric.Int64Counter
}

func newServer(experiments *store.ExperimentStore, results *store.ResultStore, filter *config.Filter, cache *pkgcache.Cache, workDir string) *server {
	meter := otel.GetMeterProvider().Meter("craterd/http")
	nextCounter, _ := meter.Int64Counter("craterd.http.next_total")
	recordCounter, _ := meter.Int64Counter("craterd.http.record_result_total")
	return &server{
		experiments:   experiments,
		results:       results,
		filter:        filter,
		cache:         cache,
		workDir:       workDir,
		nextCounter:   nextCounter,
		recordCounter: recordCounter,
	}
}

func (s *server) routes(promHandler any) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/experiments", s.handleExperiments)
	mux.HandleFunc("/v1/experiments/next", s.handleNext)
	mux.HandleFunc("/v1/experiments/record_result", s.handleRecordResult)
	mux.HandleFunc("/v1/experiments/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v1/experiments/progress", s.handleProgress)
	mux.HandleFunc("/v1/dag/dump", s.handleDumpDOT)

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	return mux
}

type createExperimentRequest struct {
	Name       string    `json:"name"`
	Mode       string    `json:"mode"`
	CapLints   string    `json:"cap_lints"`
	Toolchains [2]string `json:"toolchains"`
	Priority   int       `json:"priority"`
	Packages   []string  `json:"packages"`
}

func (s *server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createExperimentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		packages := make([]model.Package, len(req.Packages))
		for i, p := range req.Packages {
			packages[i] = model.Package(p)
		}
		e := &model.Experiment{
			Name:       req.Name,
			Mode:       model.Mode(req.Mode),
			CapLints:   model.CapLints(req.CapLints),
			Toolchains: [2]model.Toolchain{model.Toolchain(req.Toolchains[0]), model.Toolchain(req.Toolchains[1])},
			Packages:   packages,
			ServerData: model.ServerData{Priority: req.Priority, CreatedAt: time.Now(), Status: model.StatusQueued},
		}
		switch e.Mode {
		case model.ModeBuildOnly, model.ModeBuildAndTest, model.ModeCheckOnly, model.ModeUnstableFeatures:
		default:
			http.Error(w, "unknown mode", http.StatusBadRequest)
			return
		}
		if err := s.experiments.Create(e); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		// Stamp each package's skipped flag from the filter as it is now;
		// the experiment remembers this decision even if the filter file
		// changes later.
		if err := s.experiments.SetPackages(e.Name, packages, s.filter); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(e)
	case http.MethodGet:
		if name := r.URL.Query().Get("name"); name != "" {
			e, err := s.experiments.Get(name)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(e)
			return
		}
		all, err := s.experiments.All()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(all)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		http.Error(w, "agent required", http.StatusBadRequest)
		return
	}
	s.nextCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("agent", agent)))

	isNew, e, err := s.experiments.Next(agent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"is_new": isNew, "experiment": e})
}

type recordResultRequest struct {
	Experiment string `json:"experiment"`
	Package    string `json:"package"`
	Toolchain  string `json:"toolchain"`
	Outcome    string `json:"outcome"`
	Log        []byte `json:"log"`
}

func (s *server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req recordResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.recordCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("experiment", req.Experiment)))
	attemptID, err := s.results.Record(r.Context(), req.Experiment, model.Package(req.Package), model.Toolchain(req.Toolchain), model.Outcome(req.Outcome), req.Log)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		AttemptID string `json:"attempt_id"`
	}{AttemptID: attemptID})
}

// handleHeartbeat is liveness only; it exists so agents have somewhere to
// report in.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agent := r.URL.Query().Get("agent")
	slog.Debug("heartbeat", "agent", agent)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	done, total, err := s.experiments.Progress(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"done":    done,
		"total":   total,
		"percent": store.ProgressPercent(done, total),
	})
}

func (s *server) handleDumpDOT(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	e, err := s.experiments.Get(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	graph := dag.Build(e, s.filter, task.NewSandboxExecutor())
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := graph.DumpDOT(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
