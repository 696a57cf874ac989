// Package pkgcache is a Badger-backed disk blob cache for per-(experiment,
// toolchain, package) artifacts: offloaded result logs and the shared
// package source cache.
package pkgcache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotFound is returned when a key has no cached blob.
var ErrNotFound = errors.New("pkgcache: not found")

// Cache wraps BadgerDB with simplified methods and metrics.
type Cache struct {
	mu     sync.RWMutex
	db     *badger.DB
	puts   metric.Int64Counter
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// Open returns a cache rooted at path.
func Open(path string) (*Cache, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	m := otel.Meter("craterd-pkgcache")
	puts, _ := m.Int64Counter("craterd_pkgcache_puts_total")
	hits, _ := m.Int64Counter("craterd_pkgcache_hits_total")
	misses, _ := m.Int64Counter("craterd_pkgcache_misses_total")
	return &Cache{db: db, puts: puts, hits: hits, misses: misses}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Put writes blob under key idempotently: a later Put for the same key
// overwrites the earlier one. Cache entries are content keyed by the
// caller, so overwriting is always correct.
func (c *Cache) Put(ctx context.Context, key string, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
	if err == nil {
		c.puts.Add(ctx, 1, metric.WithAttributes(attribute.String("key_prefix", prefixOf(key))))
	}
	return err
}

// Get returns the cached blob for key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			c.misses.Add(ctx, 1)
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.hits.Add(ctx, 1)
	return out, nil
}

// Delete removes a cached blob, ignoring a missing key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func prefixOf(key string) string {
	for i, r := range key {
		if r == '/' {
			return key[:i]
		}
	}
	return key
}
