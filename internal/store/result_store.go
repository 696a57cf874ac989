package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/craterd/internal/model"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("store: not found")

// blobRef is the large-object cache, satisfied by internal/pkgcache.Cache.
// Declared here as an interface so store does not depend on pkgcache;
// cmd/craterd wires the concrete *pkgcache.Cache in.
type blobRef interface {
	Put(ctx context.Context, key string, blob []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// logBlobThreshold is the size above which a result's log is offloaded to
// the blob cache instead of being stored inline in bbolt, keeping the
// result bucket small and scan-friendly.
const logBlobThreshold = 4096

type resultRecord struct {
	Outcome    model.Outcome `json:"outcome"`
	LogBlob    []byte        `json:"log_blob,omitempty"`
	LogBlobRef string        `json:"log_blob_ref,omitempty"`
	AttemptID  string        `json:"attempt_id"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ResultStore is a durable, idempotent (experiment, package, toolchain) ->
// outcome map.
type ResultStore struct {
	db    *DB
	blobs blobRef // optional; nil disables large-log offload

	recordLatency metric.Float64Histogram
	getLatency    metric.Float64Histogram
}

// NewResultStore builds a ResultStore over db. blobs may be nil.
func NewResultStore(db *DB, blobs blobRef) *ResultStore {
	meter := otel.GetMeterProvider().Meter("craterd/store")
	recordLatency, _ := meter.Float64Histogram("craterd.store.result.record.latency_ms")
	getLatency, _ := meter.Float64Histogram("craterd.store.result.get.latency_ms")
	return &ResultStore{db: db, blobs: blobs, recordLatency: recordLatency, getLatency: getLatency}
}

// Record is an idempotent upsert: a later call for the same key overwrites
// the earlier one, including a freshly minted attempt ID, which it returns
// so the caller can correlate this write with its log output (in the
// blob-offload ref or an API response).
func (s *ResultStore) Record(ctx context.Context, experiment string, pkg model.Package, toolchain model.Toolchain, outcome model.Outcome, logBlob []byte) (string, error) {
	start := time.Now()
	defer func() {
		s.recordLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("experiment", experiment)))
	}()

	attemptID := uuid.New().String()
	rec := resultRecord{Outcome: outcome, AttemptID: attemptID, RecordedAt: time.Now()}

	if s.blobs != nil && len(logBlob) > logBlobThreshold {
		ref := fmt.Sprintf("%s/%s/%s/%s", experiment, pkg, toolchain, attemptID)
		if err := s.blobs.Put(ctx, ref, logBlob); err != nil {
			return "", fmt.Errorf("record result: offload log blob: %w", err)
		}
		rec.LogBlobRef = ref
	} else {
		rec.LogBlob = logBlob
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("record result: marshal: %w", err)
	}

	err = s.db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put(resultKey(experiment, string(pkg), string(toolchain)), data)
	})
	if err != nil {
		return "", err
	}
	return attemptID, nil
}

// Get returns the recorded outcome, or (zero, false, nil) if no result is
// recorded for this key yet.
func (s *ResultStore) Get(ctx context.Context, experiment string, pkg model.Package, toolchain model.Toolchain) (model.Outcome, bool, error) {
	start := time.Now()
	defer func() {
		s.getLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	var rec resultRecord
	found := false
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(resultKey(experiment, string(pkg), string(toolchain)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("get result: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return rec.Outcome, true, nil
}

// AttemptID returns the attempt ID recorded for a result, or ("", false, nil)
// if no result is recorded for this key yet.
func (s *ResultStore) AttemptID(experiment string, pkg model.Package, toolchain model.Toolchain) (string, bool, error) {
	var rec resultRecord
	found := false
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(resultKey(experiment, string(pkg), string(toolchain)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("get attempt id: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return rec.AttemptID, true, nil
}

// Log returns the log blob for a result, resolving pkgcache references
// transparently.
func (s *ResultStore) Log(ctx context.Context, experiment string, pkg model.Package, toolchain model.Toolchain) ([]byte, error) {
	var rec resultRecord
	found := false
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(resultKey(experiment, string(pkg), string(toolchain)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if rec.LogBlobRef == "" {
		return rec.LogBlob, nil
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("get log: blob ref %q set but no blob cache configured", rec.LogBlobRef)
	}
	return s.blobs.Get(ctx, rec.LogBlobRef)
}

// CountForExperiment returns the number of result rows recorded for name,
// the numerator of the experiment's progress.
func (s *ResultStore) CountForExperiment(name string) (int, error) {
	count := 0
	prefix := resultPrefix(name)
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return count, nil
}

// CountForPackage returns the number of result rows recorded for
// (experiment, pkg) across toolchains, used by
// ExperimentStore.RemoveCompletedPackages to decide which packages are
// fully done.
func (s *ResultStore) CountForPackage(experiment string, pkg model.Package) (int, error) {
	count := 0
	prefix := resultPackagePrefix(experiment, string(pkg))
	err := s.db.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count for package: %w", err)
	}
	return count, nil
}

// DeleteForExperiment removes every result row for name, used by
// ExperimentStore.Delete's cascade.
func (s *ResultStore) DeleteForExperiment(tx *bbolt.Tx, name string) error {
	prefix := resultPrefix(name)
	b := tx.Bucket(bucketResults)
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
