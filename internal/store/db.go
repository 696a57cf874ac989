// Package store is the persistent lifecycle store: experiments, their
// per-package entries, and per-(experiment, package, toolchain) results.
// ExperimentStore and ResultStore share one bbolt handle; results are the
// source of truth that lets an interrupted experiment resume without
// redoing finished work.
package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketExperiments      = []byte("experiments")
	bucketExperimentCrates = []byte("experiment_crates")
	bucketResults          = []byte("results")
)

// DB wraps the shared bbolt handle and bucket setup.
type DB struct {
	bolt *bbolt.DB
}

// Open creates (or opens) the bbolt-backed store at dbPath, creating all
// required buckets up front.
func Open(dbPath string) (*DB, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}

	bolt, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = bolt.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketExperiments, bucketExperimentCrates, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &DB{bolt: bolt}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.bolt.Close() }

func experimentCrateKey(experiment, pkg string) []byte {
	return []byte(experiment + "\x00" + pkg)
}

func experimentCratePrefix(experiment string) []byte {
	return []byte(experiment + "\x00")
}

func resultKey(experiment, pkg, toolchain string) []byte {
	return []byte(experiment + "\x00" + pkg + "\x00" + toolchain)
}

func resultPrefix(experiment string) []byte {
	return []byte(experiment + "\x00")
}

func resultPackagePrefix(experiment, pkg string) []byte {
	return []byte(experiment + "\x00" + pkg + "\x00")
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
