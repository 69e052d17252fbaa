package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
)

var errOffline = errors.New("network unreachable")

type fetchFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// network is a fake network that can be switched off.
type network struct {
	body    atomic.Value
	status  atomic.Int64
	offline atomic.Bool
	fetches atomic.Int64
}

func newNetwork(body string) *network {
	n := &network{}
	n.body.Store(body)
	n.status.Store(http.StatusOK)
	return n
}

func (n *network) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	n.fetches.Add(1)
	if n.offline.Load() {
		return nil, errOffline
	}
	return textResponse(r, int(n.status.Load()), n.body.Load().(string)), nil
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	if config.Version == "" {
		config.Version = "v1"
	}
	if config.Scheduler == nil {
		config.Scheduler = InlineScheduler{}
	}
	if config.Logger == nil {
		config.Logger = nopLogger()
	}
	wk, err := New(config)
	if err != nil {
		t.Fatalf("Could not create worker: %v", err)
	}
	return wk
}

func newActiveWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	wk := newTestWorker(t, config)
	if err := wk.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := wk.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return wk
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	if res == nil {
		t.Fatal("Response is nil")
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Could not read body: %v", err)
	}
	return string(b)
}

func storeKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Could not open store %s: %v", name, err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("Could not list keys of %s: %v", name, err)
	}
	return keys
}

// brokenStorage fails every operation.
type brokenStorage struct{}

func (brokenStorage) Open(context.Context, string) (cache.Store, error) {
	return nil, errors.New("storage is broken")
}

func (brokenStorage) Names(context.Context) ([]string, error) {
	return nil, errors.New("storage is broken")
}

func (brokenStorage) Delete(context.Context, string) (bool, error) {
	return false, errors.New("storage is broken")
}

func (brokenStorage) Close() error {
	return nil
}

func mustParseURL(t *testing.T, rawURL string) url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Could not parse %s: %v", rawURL, err)
	}
	return *u
}
