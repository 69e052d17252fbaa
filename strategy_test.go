package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
)

func TestCacheFirstServesSecondRequestFromStore(t *testing.T) {
	net := newNetwork("body { color: red }")
	wk := newTestWorker(t, Config{Fetcher: net})

	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.css", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Strategy != StrategyCacheFirst || out.Source != metrics.SourceNetwork || !out.CacheStatus.Stored {
		t.Fatalf("Unexpected outcome %+v", out)
	}
	if body := readBody(t, out.Response); body != "body { color: red }" {
		t.Fatalf("Body is %s", body)
	}

	net.offline.Store(true)
	out, err = wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.css", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Source != metrics.SourceCache || out.CacheStatus.Status != CacheStatusHit {
		t.Fatalf("Expected hit, got %+v", out)
	}
	if body := readBody(t, out.Response); body != "body { color: red }" {
		t.Fatalf("Body is %s", body)
	}
	if n := net.fetches.Load(); n != 1 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestCacheFirstKeepsOneEntryPerRequest(t *testing.T) {
	net := newNetwork("console.log(1)")
	wk := newTestWorker(t, Config{Fetcher: net})

	for i := 0; i < 3; i++ {
		out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.js", nil))
		readBody(t, out.Response)
	}
	keys := storeKeys(t, wk.storage, "v1-dynamic")
	if len(keys) != 1 || keys[0] != "GET:https://example.com/app.js" {
		t.Fatalf("Store keys are %v", keys)
	}
}

func TestCacheFirstDoesNotStoreErrorResponses(t *testing.T) {
	net := newNetwork("not found")
	net.status.Store(http.StatusNotFound)
	wk := newTestWorker(t, Config{Fetcher: net})

	out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/missing.js", nil))
	if out.Response.StatusCode != http.StatusNotFound || out.CacheStatus.Stored {
		t.Fatalf("Unexpected outcome %+v", out)
	}
	readBody(t, out.Response)

	out, _ = wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/missing.js", nil))
	readBody(t, out.Response)
	if n := net.fetches.Load(); n != 2 {
		t.Fatalf("Network called %d times", n)
	}
	if keys := storeKeys(t, wk.storage, "v1-dynamic"); len(keys) != 0 {
		t.Fatalf("Store keys are %v", keys)
	}
}

func TestCacheFirstOfflineResponse(t *testing.T) {
	net := newNetwork("")
	net.offline.Store(true)
	wk := newTestWorker(t, Config{Fetcher: net})

	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.css", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Response.StatusCode != http.StatusServiceUnavailable || out.Source != metrics.SourceOffline {
		t.Fatalf("Unexpected outcome %+v", out)
	}
	if body := readBody(t, out.Response); body != "Offline" {
		t.Fatalf("Body is %s", body)
	}
}

func TestNetworkFirstFallsBackToStore(t *testing.T) {
	net := newNetwork(`{"data":1}`)
	wk := newTestWorker(t, Config{Fetcher: net})
	url := "https://firestore.googleapis.com/v1/doc"

	out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if out.Strategy != StrategyNetworkFirst || out.Source != metrics.SourceNetwork {
		t.Fatalf("Unexpected outcome %+v", out)
	}
	readBody(t, out.Response)

	net.body.Store(`{"data":2}`)
	out, _ = wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if body := readBody(t, out.Response); body != `{"data":2}` {
		t.Fatalf("Network-first served %s while online", body)
	}

	net.offline.Store(true)
	out, _ = wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if out.Source != metrics.SourceCache {
		t.Fatalf("Expected stored response, got %+v", out)
	}
	if body := readBody(t, out.Response); body != `{"data":2}` {
		t.Fatalf("Body is %s", body)
	}
}

func TestNetworkFirstOfflineWithoutEntry(t *testing.T) {
	net := newNetwork("")
	net.offline.Store(true)
	wk := newTestWorker(t, Config{Fetcher: net})

	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/testadmin.html", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", out.Response.StatusCode)
	}
	if body := readBody(t, out.Response); body != "Offline" {
		t.Fatalf("Body is %s", body)
	}
}

func TestStaleWhileRevalidateServesStaleThenUpdated(t *testing.T) {
	net := newNetwork("version 1")
	scheduler := &TrackingScheduler{}
	wk := newTestWorker(t, Config{Fetcher: net, Scheduler: scheduler})
	ctx := context.Background()
	url := "https://example.com/index.html"

	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Source != metrics.SourceNetwork {
		t.Fatalf("Expected network response on miss, got %+v", out)
	}
	if body := readBody(t, out.Response); body != "version 1" {
		t.Fatalf("Body is %s", body)
	}
	if err := out.Revalidation.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	net.body.Store("version 2")
	out, err = wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Source != metrics.SourceCache {
		t.Fatalf("Expected stored response, got %+v", out)
	}
	if body := readBody(t, out.Response); body != "version 1" {
		t.Fatalf("Expected stale body, got %s", body)
	}
	if err := out.Revalidation.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	out, _ = wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if body := readBody(t, out.Response); body != "version 2" {
		t.Fatalf("Expected revalidated body, got %s", body)
	}
	scheduler.Wait()
	if n := net.fetches.Load(); n != 3 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestStaleWhileRevalidateOfflineHit(t *testing.T) {
	net := newNetwork("hello")
	wk := newTestWorker(t, Config{Fetcher: net})
	url := "https://example.com/"

	out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	readBody(t, out.Response)

	net.offline.Store(true)
	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatalf("Expected stored response, got error %v", err)
	}
	if body := readBody(t, out.Response); body != "hello" {
		t.Fatalf("Body is %s", body)
	}
	if _, err := out.Revalidation.Response(context.Background()); err == nil {
		t.Fatal("Expected revalidation to fail")
	}
}

func TestStaleWhileRevalidateMissFails(t *testing.T) {
	net := newNetwork("")
	net.offline.Store(true)
	wk := newTestWorker(t, Config{Fetcher: net})

	_, err := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
	if err == nil {
		t.Fatal("Expected error for miss while offline")
	}
}

func TestStaleWhileRevalidateDoesNotWaitForRevalidation(t *testing.T) {
	release := make(chan struct{})
	var slow bool
	fetcher := fetchFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if slow {
			<-release
		}
		return textResponse(r, http.StatusOK, "page"), nil
	})
	wk := newTestWorker(t, Config{Fetcher: fetcher, Scheduler: &TrackingScheduler{}})
	url := "https://example.com/page"

	out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
	readBody(t, out.Response)
	out.Revalidation.Wait(context.Background())

	slow = true
	done := make(chan Outcome)
	go func() {
		out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, url, nil))
		done <- out
	}()
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stored response waited for the network")
	}
	if out.Source != metrics.SourceCache {
		t.Fatalf("Expected stored response, got %+v", out)
	}
	close(release)
	out.Revalidation.Wait(context.Background())
}

func TestNonGetRequestsAreNotStored(t *testing.T) {
	net := newNetwork("created")
	wk := newTestWorker(t, Config{Fetcher: net})

	for i := 0; i < 2; i++ {
		out, err := wk.Intercept(httptest.NewRequest(http.MethodPost, "https://example.com/app.js", strings.NewReader("x")))
		if err != nil {
			t.Fatal(err)
		}
		if out.CacheStatus.Stored || out.Source != metrics.SourceNetwork {
			t.Fatalf("Unexpected outcome %+v", out)
		}
		readBody(t, out.Response)
	}
	if n := net.fetches.Load(); n != 2 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestStoreFailuresAreMisses(t *testing.T) {
	net := newNetwork("styles")
	wk := newTestWorker(t, Config{Fetcher: net, Storage: brokenStorage{}})

	out, err := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.css", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, out.Response); body != "styles" {
		t.Fatalf("Body is %s", body)
	}
}

func TestStrategiesUseDynamicStoreOnly(t *testing.T) {
	net := newNetwork("asset")
	storage := cache.NewMemStorage()
	wk := newTestWorker(t, Config{
		Fetcher:   net,
		Storage:   storage,
		OriginURL: mustParseURL(t, "https://example.com"),
		Assets:    []string{"./app.css"},
	})
	if err := wk.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	net.offline.Store(true)
	out, _ := wk.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/app.css", nil))
	if out.Source != metrics.SourceOffline {
		t.Fatalf("Static store must not answer requests, got %+v", out)
	}
}
