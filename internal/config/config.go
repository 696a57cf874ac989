// Package config loads the filter that governs which packages are skipped,
// quiet, or considered "broken", and keeps it fresh via an fsnotify watch
// on the filter file.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmguard/craterd/internal/model"
)

// filterDoc is the on-disk JSON shape of the filter file.
type filterDoc struct {
	Skip      []string `json:"skip"`
	SkipTests []string `json:"skip_tests"`
	Quiet     []string `json:"quiet"`
	Broken    []string `json:"broken"`
}

// Filter answers the four per-package predicates the scheduler consults:
// ShouldSkip, ShouldSkipTests, IsQuiet, IsBroken.
type Filter struct {
	mu        sync.RWMutex
	path      string
	skip      map[model.Package]struct{}
	skipTests map[model.Package]struct{}
	quiet     map[model.Package]struct{}
	broken    map[model.Package]struct{}

	watcher *fsnotify.Watcher
}

// Load reads the filter file at path. A missing file is not an error: it is
// treated as an empty filter (nothing skipped, nothing quiet, nothing
// broken), matching a fresh deployment with no curated list yet.
func Load(path string) (*Filter, error) {
	f := &Filter{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) reload() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		data = []byte(`{}`)
	} else if err != nil {
		return err
	}

	var doc filterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	f.mu.Lock()
	f.skip = toSet(doc.Skip)
	f.skipTests = toSet(doc.SkipTests)
	f.quiet = toSet(doc.Quiet)
	f.broken = toSet(doc.Broken)
	f.mu.Unlock()

	return nil
}

func toSet(names []string) map[model.Package]struct{} {
	set := make(map[model.Package]struct{}, len(names))
	for _, n := range names {
		set[model.Package(n)] = struct{}{}
	}
	return set
}

// ShouldSkip reports whether pkg should be excluded from execution entirely.
func (f *Filter) ShouldSkip(pkg model.Package) bool { return f.has(f.skip, pkg) }

// ShouldSkipTests reports whether pkg's test step should be downgraded to a
// build-only step.
func (f *Filter) ShouldSkipTests(pkg model.Package) bool { return f.has(f.skipTests, pkg) }

// IsQuiet reports whether pkg's build/test/check steps should suppress
// non-essential output.
func (f *Filter) IsQuiet(pkg model.Package) bool { return f.has(f.quiet, pkg) }

// IsBroken reports whether pkg is known-broken, which changes a failed
// task's recorded outcome from Error to BuildFail.
func (f *Filter) IsBroken(pkg model.Package) bool { return f.has(f.broken, pkg) }

func (f *Filter) has(set map[model.Package]struct{}, pkg model.Package) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := set[pkg]
	return ok
}

// Watch starts an fsnotify watch on the filter file and reloads it on
// every write, until the caller closes done. Errors are reported through
// cb rather than returned, since the watch loop runs in its own goroutine.
func (f *Filter) Watch(done <-chan struct{}, cb func(error)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cb(err)
		return
	}

	if err := watcher.Add(f.path); err != nil {
		// The filter file may not exist yet; ShouldSkip et al. already
		// default to false until it appears. Catching its later creation
		// would mean watching the parent directory, so hot-reload is
		// simply disabled until restart.
		slog.Warn("config: filter file not found, hot-reload disabled", "path", f.path, "error", err)
		_ = watcher.Close()
		return
	}

	f.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := f.reload(); err != nil {
					cb(err)
					continue
				}
				slog.Info("config: filter file reloaded", "path", f.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cb(err)
			}
		}
	}()
}
