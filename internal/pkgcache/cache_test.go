package pkgcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	key := "exp/pkg/tc1"
	if err := c.Put(ctx, key, []byte("blob-data")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "blob-data" {
		t.Fatalf("got = %q, want %q", got, "blob-data")
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := c.Get(ctx, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.Put(ctx, "exp/pkg/tc1", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Delete(ctx, "exp/pkg/tc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get(ctx, "exp/pkg/tc1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	c := newTestCache(t)
	if err := c.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if err := c.Put(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := c.Put(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("put second: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got = %q, want %q", got, "second")
	}
}
