package cache

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStorages(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	vk, err := NewValkeyStorage(ValkeyConfig{Address: server.Addr(), Namespace: "test:"})
	if err != nil {
		t.Fatalf("valkey: %v", err)
	}
	storages := map[string]Storage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
		"valkey": vk,
	}
	t.Cleanup(func() {
		for _, s := range storages {
			s.Close()
		}
	})
	return storages
}

func TestStoragePutMatchOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, storage := range newTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open(ctx, "v1-dynamic")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if _, ok, err := store.Match(ctx, "GET:http://example.com/"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}

			first := Entry{Key: "GET:http://example.com/", StoredAt: time.Unix(100, 0), Bytes: []byte("first")}
			second := Entry{Key: "GET:http://example.com/", StoredAt: time.Unix(200, 0), Bytes: []byte("second")}
			if err := store.Put(ctx, first); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := store.Put(ctx, second); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, ok, err := store.Match(ctx, first.Key)
			if err != nil || !ok {
				t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
			}
			if string(got.Bytes) != "second" || !got.StoredAt.Equal(second.StoredAt) {
				t.Fatalf("unexpected entry %+v", got)
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if len(keys) != 1 {
				t.Fatalf("expected one entry per key, got %v", keys)
			}
		})
	}
}

func TestStorageOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, storage := range newTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "v1-static")
			if err := store.Put(ctx, Entry{Key: "k", Bytes: []byte("v")}); err != nil {
				t.Fatalf("put: %v", err)
			}
			again, err := storage.Open(ctx, "v1-static")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if _, ok, _ := again.Match(ctx, "k"); !ok {
				t.Fatal("reopened store lost its entry")
			}
			names, _ := storage.Names(ctx)
			if !reflect.DeepEqual(names, []string{"v1-static"}) {
				t.Fatalf("names are %v", names)
			}
		})
	}
}

func TestStorageDeleteRemovesEntries(t *testing.T) {
	ctx := context.Background()
	for name, storage := range newTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"v1-static", "v1-dynamic", "v2-static", "v2-dynamic"} {
				store, err := storage.Open(ctx, n)
				if err != nil {
					t.Fatalf("open: %v", err)
				}
				store.Put(ctx, Entry{Key: "k", Bytes: []byte(n)})
			}

			deleted, err := storage.Delete(ctx, "v1-dynamic")
			if err != nil || !deleted {
				t.Fatalf("delete: deleted=%v err=%v", deleted, err)
			}
			deleted, err = storage.Delete(ctx, "v1-dynamic")
			if err != nil || deleted {
				t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
			}

			names, _ := storage.Names(ctx)
			if !reflect.DeepEqual(names, []string{"v1-static", "v2-dynamic", "v2-static"}) {
				t.Fatalf("names are %v", names)
			}
			store, _ := storage.Open(ctx, "v1-dynamic")
			if _, ok, _ := store.Match(ctx, "k"); ok {
				t.Fatal("recreated store still holds deleted entry")
			}
		})
	}
}

func TestStoragePutAll(t *testing.T) {
	ctx := context.Background()
	for name, storage := range newTestStorages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "v1-static")
			err := store.PutAll(ctx, []Entry{
				{Key: "GET:http://example.com/a.css", Bytes: []byte("a")},
				{Key: "GET:http://example.com/b.js", Bytes: []byte("b")},
			})
			if err != nil {
				t.Fatalf("put all: %v", err)
			}
			keys, _ := store.Keys(ctx)
			if !reflect.DeepEqual(keys, []string{"GET:http://example.com/a.css", "GET:http://example.com/b.js"}) {
				t.Fatalf("keys are %v", keys)
			}
		})
	}
}

func TestSQLiteInMemoryStoragesAreIsolated(t *testing.T) {
	ctx := context.Background()
	first, err := NewSQLiteStorage("")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer first.Close()
	second, err := NewSQLiteStorage("")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer second.Close()

	store, err := first.Open(ctx, "v1-static")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(ctx, Entry{Key: "k", Bytes: []byte("v")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	names, err := second.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("second storage sees stores %v", names)
	}
	other, _ := second.Open(ctx, "v1-static")
	if _, ok, _ := other.Match(ctx, "k"); ok {
		t.Fatal("second storage sees entries of the first")
	}
}
