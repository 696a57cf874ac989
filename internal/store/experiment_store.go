package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/craterd/internal/model"
)

// ErrExists is returned by Create when an experiment with the same name
// already exists.
var ErrExists = fmt.Errorf("store: experiment already exists")

// experimentRecord is the flat, JSON-serialized on-disk shape of an
// experiment.
type experimentRecord struct {
	Name               string     `json:"name"`
	Mode               string     `json:"mode"`
	CapLints           string     `json:"cap_lints"`
	ToolchainStart     string     `json:"toolchain_start"`
	ToolchainEnd       string     `json:"toolchain_end"`
	Priority           int        `json:"priority"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Status             string     `json:"status"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	ReportURL          *string    `json:"report_url,omitempty"`
	GitHubIssueAPIURL  *string    `json:"github_issue_api_url,omitempty"`
	GitHubIssueHTMLURL *string    `json:"github_issue_html_url,omitempty"`
	GitHubIssueNumber  *int       `json:"github_issue_number,omitempty"`
}

func fromDomain(e *model.Experiment) experimentRecord {
	r := experimentRecord{
		Name:           e.Name,
		Mode:           string(e.Mode),
		CapLints:       string(e.CapLints),
		ToolchainStart: string(e.Toolchains[0]),
		ToolchainEnd:   string(e.Toolchains[1]),
		Priority:       e.ServerData.Priority,
		CreatedAt:      e.ServerData.CreatedAt,
		StartedAt:      e.ServerData.StartedAt,
		CompletedAt:    e.ServerData.CompletedAt,
		Status:         string(e.ServerData.Status),
		AssignedTo:     e.ServerData.AssignedTo,
		ReportURL:      e.ServerData.ReportURL,
	}
	if gh := e.ServerData.GitHubIssue; gh != nil {
		r.GitHubIssueAPIURL = &gh.APIURL
		r.GitHubIssueHTMLURL = &gh.HTMLURL
		r.GitHubIssueNumber = &gh.Number
	}
	return r
}

func (r experimentRecord) toDomain(packages []model.Package) *model.Experiment {
	e := &model.Experiment{
		Name:       r.Name,
		Mode:       model.Mode(r.Mode),
		CapLints:   model.CapLints(r.CapLints),
		Toolchains: [2]model.Toolchain{model.Toolchain(r.ToolchainStart), model.Toolchain(r.ToolchainEnd)},
		Packages:   packages,
		ServerData: model.ServerData{
			Priority:    r.Priority,
			CreatedAt:   r.CreatedAt,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			Status:      model.Status(r.Status),
			AssignedTo:  r.AssignedTo,
			ReportURL:   r.ReportURL,
		},
	}
	if r.GitHubIssueAPIURL != nil && r.GitHubIssueHTMLURL != nil && r.GitHubIssueNumber != nil {
		e.ServerData.GitHubIssue = &model.GitHubIssue{
			APIURL:  *r.GitHubIssueAPIURL,
			HTMLURL: *r.GitHubIssueHTMLURL,
			Number:  *r.GitHubIssueNumber,
		}
	}
	return e
}

// Config is the subset of internal/config.Filter the store needs to compute
// "skipped" at insertion time, kept as an interface so store doesn't import
// config (config imports model, not store).
type Config interface {
	ShouldSkip(pkg model.Package) bool
}

// ExperimentStore persists experiments, their lifecycle status, agent
// assignment, priority and metadata.
type ExperimentStore struct {
	db      *DB
	results *ResultStore

	assignLatency metric.Float64Histogram
	mutations     metric.Int64Counter
}

// NewExperimentStore builds an ExperimentStore over db, using results for
// Progress.
func NewExperimentStore(db *DB, results *ResultStore) *ExperimentStore {
	meter := otel.GetMeterProvider().Meter("craterd/store")
	assignLatency, _ := meter.Float64Histogram("craterd.store.experiment.next.latency_ms")
	mutations, _ := meter.Int64Counter("craterd.store.experiment.mutations")
	return &ExperimentStore{db: db, results: results, assignLatency: assignLatency, mutations: mutations}
}

// Create inserts a brand-new experiment, rejecting a duplicate name.
func (s *ExperimentStore) Create(e *model.Experiment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		if b.Get([]byte(e.Name)) != nil {
			return ErrExists
		}
		data, err := json.Marshal(fromDomain(e))
		if err != nil {
			return fmt.Errorf("create experiment: marshal: %w", err)
		}
		if err := b.Put([]byte(e.Name), data); err != nil {
			return err
		}
		return putPackages(tx, e.Name, e.Packages, nil)
	})
}

// Exists reports whether an experiment with the given name exists.
func (s *ExperimentStore) Exists(name string) (bool, error) {
	exists := false
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketExperiments).Get([]byte(name)) != nil
		return nil
	})
	return exists, err
}

// Get loads one experiment by name.
func (s *ExperimentStore) Get(name string) (*model.Experiment, error) {
	var rec experimentRecord
	var packages []model.Package
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExperiments).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		packages = loadPackages(tx, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.toDomain(packages), nil
}

// All returns every experiment ordered by (priority DESC, created_at ASC).
func (s *ExperimentStore) All() ([]*model.Experiment, error) {
	var out []*model.Experiment
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(k, v []byte) error {
			var rec experimentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			packages := loadPackages(tx, rec.Name)
			out = append(out, rec.toDomain(packages))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ServerData.Priority != out[j].ServerData.Priority {
			return out[i].ServerData.Priority > out[j].ServerData.Priority
		}
		return out[i].ServerData.CreatedAt.Before(out[j].ServerData.CreatedAt)
	})
	return out, nil
}

// loadPackages returns every package row for name, skipped or not. The
// stored skipped flag never gates what the caller sees; it only feeds the
// progress denominator, so a live config change can still un-skip a
// package at graph-build time.
func loadPackages(tx *bbolt.Tx, name string) []model.Package {
	var out []model.Package
	for _, entry := range loadPackageEntries(tx, name) {
		out = append(out, entry.Package)
	}
	return out
}

func loadPackageEntries(tx *bbolt.Tx, name string) []model.PackageEntry {
	var out []model.PackageEntry
	prefix := experimentCratePrefix(name)
	c := tx.Bucket(bucketExperimentCrates).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var entry model.PackageEntry
		if json.Unmarshal(v, &entry) == nil {
			out = append(out, entry)
		}
	}
	return out
}

func putPackages(tx *bbolt.Tx, name string, packages []model.Package, cfg Config) error {
	b := tx.Bucket(bucketExperimentCrates)
	for _, pkg := range packages {
		skipped := false
		if cfg != nil {
			skipped = cfg.ShouldSkip(pkg)
		}
		data, err := json.Marshal(model.PackageEntry{Package: pkg, Skipped: skipped})
		if err != nil {
			return err
		}
		if err := b.Put(experimentCrateKey(name, string(pkg)), data); err != nil {
			return err
		}
	}
	return nil
}

func deletePackages(tx *bbolt.Tx, name string) error {
	b := tx.Bucket(bucketExperimentCrates)
	prefix := experimentCratePrefix(name)
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SetPackages replaces an experiment's package set in a single transaction:
// delete all existing rows, then insert each new one with skipped
// precomputed from cfg.
func (s *ExperimentStore) SetPackages(name string, packages []model.Package, cfg Config) error {
	return s.db.bolt.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketExperiments).Get([]byte(name)) == nil {
			return ErrNotFound
		}
		if err := deletePackages(tx, name); err != nil {
			return err
		}
		return putPackages(tx, name, packages, cfg)
	})
}

func (s *ExperimentStore) mutate(name string, fn func(*experimentRecord) error) error {
	err := s.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		data := b.Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var rec experimentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
	if err == nil {
		s.mutations.Add(context.Background(), 1)
	}
	return err
}

// SetStatus transitions status. Entering Running stamps started_at if
// unset; leaving Running stamps completed_at if unset.
func (s *ExperimentStore) SetStatus(name string, status model.Status) error {
	return s.mutate(name, func(r *experimentRecord) error {
		wasRunning := model.Status(r.Status) == model.StatusRunning
		r.Status = string(status)
		if status == model.StatusRunning && r.StartedAt == nil {
			now := time.Now()
			r.StartedAt = &now
		}
		if wasRunning && status != model.StatusRunning && r.CompletedAt == nil {
			now := time.Now()
			r.CompletedAt = &now
		}
		return nil
	})
}

// SetAssignedTo sets or clears the owning agent.
func (s *ExperimentStore) SetAssignedTo(name string, agent *string) error {
	return s.mutate(name, func(r *experimentRecord) error {
		r.AssignedTo = agent
		return nil
	})
}

func (s *ExperimentStore) SetMode(name string, mode model.Mode) error {
	return s.mutate(name, func(r *experimentRecord) error {
		r.Mode = string(mode)
		return nil
	})
}

func (s *ExperimentStore) SetCapLints(name string, cl model.CapLints) error {
	return s.mutate(name, func(r *experimentRecord) error {
		r.CapLints = string(cl)
		return nil
	})
}

func (s *ExperimentStore) SetPriority(name string, priority int) error {
	return s.mutate(name, func(r *experimentRecord) error {
		r.Priority = priority
		return nil
	})
}

func (s *ExperimentStore) SetReportURL(name string, url string) error {
	return s.mutate(name, func(r *experimentRecord) error {
		r.ReportURL = &url
		return nil
	})
}

// SetStartToolchain and SetEndToolchain validate toolchains[0] != toolchains[1]
// before committing; on validation failure no state changes.
func (s *ExperimentStore) SetStartToolchain(name string, tc model.Toolchain) error {
	return s.mutate(name, func(r *experimentRecord) error {
		if tc == model.Toolchain(r.ToolchainEnd) {
			return fmt.Errorf("set start toolchain: would equal end toolchain %q", tc)
		}
		r.ToolchainStart = string(tc)
		return nil
	})
}

func (s *ExperimentStore) SetEndToolchain(name string, tc model.Toolchain) error {
	return s.mutate(name, func(r *experimentRecord) error {
		if tc == model.Toolchain(r.ToolchainStart) {
			return fmt.Errorf("set end toolchain: would equal start toolchain %q", tc)
		}
		r.ToolchainEnd = string(tc)
		return nil
	})
}

// RemoveCompletedPackages trims an experiment's package set down to only
// those with fewer than 2 recorded results (one per toolchain), used on
// resume so a rebuilt DAG skips packages that already finished before a
// crash. Skipped-ness of the retained rows is preserved unchanged.
func (s *ExperimentStore) RemoveCompletedPackages(name string) error {
	var entries []model.PackageEntry
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketExperiments).Get([]byte(name)) == nil {
			return ErrNotFound
		}
		entries = loadPackageEntries(tx, name)
		return nil
	})
	if err != nil {
		return err
	}

	kept := make([]model.PackageEntry, 0, len(entries))
	for _, entry := range entries {
		count, err := s.results.CountForPackage(name, entry.Package)
		if err != nil {
			return err
		}
		if count < 2 {
			kept = append(kept, entry)
		}
	}

	return s.db.bolt.Update(func(tx *bbolt.Tx) error {
		if err := deletePackages(tx, name); err != nil {
			return err
		}
		b := tx.Bucket(bucketExperimentCrates)
		for _, entry := range kept {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(experimentCrateKey(name, string(entry.Package)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes an experiment and cascades to its packages and results.
func (s *ExperimentStore) Delete(name string) error {
	return s.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		if b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		if err := deletePackages(tx, name); err != nil {
			return err
		}
		if err := s.results.DeleteForExperiment(tx, name); err != nil {
			return err
		}
		return b.Delete([]byte(name))
	})
}

// Progress returns (done, total) for name: total = 2 * non-skipped
// packages (the stored skipped flag's only consumer), done = recorded
// results.
func (s *ExperimentStore) Progress(name string) (done, total int, err error) {
	err = s.db.bolt.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketExperiments).Get([]byte(name)) == nil {
			return ErrNotFound
		}
		for _, entry := range loadPackageEntries(tx, name) {
			if !entry.Skipped {
				total++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	total *= 2
	done, err = s.results.CountForExperiment(name)
	if err != nil {
		return 0, 0, err
	}
	return done, total, nil
}

// ProgressPercent computes ceil(done*100/total), or 0 if total is 0.
func ProgressPercent(done, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Ceil(float64(done*100) / float64(total)))
}

// Next assigns agent its next experiment. If the agent already owns a
// Running experiment, that one is returned with isNew false; otherwise the
// first Queued experiment by (priority DESC, created_at ASC) is marked
// Running, assigned to the agent, and returned with isNew true. An agent
// therefore owns at most one Running experiment at a time.
func (s *ExperimentStore) Next(agent string) (isNew bool, experiment *model.Experiment, err error) {
	start := time.Now()
	defer func() { s.assignLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	err = s.db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExperiments)

		// Step 1: agent already owns a Running experiment.
		var owned *experimentRecord
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec experimentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if model.Status(rec.Status) == model.StatusRunning && rec.AssignedTo != nil && *rec.AssignedTo == agent {
				owned = &rec
				break
			}
		}
		if owned != nil {
			experiment = owned.toDomain(loadPackages(tx, owned.Name))
			isNew = false
			return nil
		}

		// Step 2: first Queued experiment by (priority DESC, created_at ASC).
		var candidates []experimentRecord
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec experimentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if model.Status(rec.Status) == model.StatusQueued {
				candidates = append(candidates, rec)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		picked := candidates[0]

		// Step 3: status := Running, assigned_to := agent, in that order.
		picked.Status = string(model.StatusRunning)
		if picked.StartedAt == nil {
			now := time.Now()
			picked.StartedAt = &now
		}
		agentCopy := agent
		picked.AssignedTo = &agentCopy

		data, merr := json.Marshal(picked)
		if merr != nil {
			return merr
		}
		if err := b.Put([]byte(picked.Name), data); err != nil {
			return err
		}

		experiment = picked.toDomain(loadPackages(tx, picked.Name))
		isNew = true
		return nil
	})
	return isNew, experiment, err
}
