package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const offlineBody = "Offline"

// cacheFirst answers from the dynamic store, going to the network only on a miss.
func (wk *Worker) cacheFirst(r *http.Request) Outcome {
	ctx := r.Context()
	out := Outcome{}
	if res, ok := wk.match(ctx, r); ok {
		out.CacheStatus.Hit()
		out.Response = res
		out.Source = metrics.SourceCache
		return out
	}

	out.CacheStatus.Forward(CacheStatusFwdUriMiss)
	res, err := wk.fetcher.Fetch(ctx, r)
	if err != nil {
		wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch failed, returning offline response")
		out.Response = offlineResponse(r)
		out.Source = metrics.SourceOffline
		return out
	}
	out.CacheStatus.FwdStatus = res.StatusCode
	out.CacheStatus.Stored = wk.storeLater(ctx, r, res)
	out.Response = res
	out.Source = metrics.SourceNetwork
	return out
}

// networkFirst answers from the network, going to the dynamic store only if the fetch fails.
func (wk *Worker) networkFirst(r *http.Request) Outcome {
	ctx := r.Context()
	out := Outcome{}
	res, err := wk.fetcher.Fetch(ctx, r)
	if err == nil {
		out.CacheStatus.Forward(CacheStatusFwdRequest)
		out.CacheStatus.FwdStatus = res.StatusCode
		out.CacheStatus.Stored = wk.storeLater(ctx, r, res)
		out.Response = res
		out.Source = metrics.SourceNetwork
		return out
	}

	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Fetch failed, looking up stored response")
	if stored, ok := wk.match(ctx, r); ok {
		out.CacheStatus.Hit()
		out.Response = stored
		out.Source = metrics.SourceCache
		return out
	}
	out.CacheStatus.Forward(CacheStatusFwdUriMiss)
	out.Response = offlineResponse(r)
	out.Source = metrics.SourceOffline
	return out
}

// staleWhileRevalidate answers from the dynamic store if possible,
// and always refreshes the store from the network in the background.
func (wk *Worker) staleWhileRevalidate(r *http.Request) (Outcome, error) {
	ctx := r.Context()
	out := Outcome{}
	stored, hit := wk.match(ctx, r)

	task := newTask()
	// the revalidation outlives the client request
	detached := r.WithContext(context.WithoutCancel(ctx))
	wk.scheduler.Go(func() {
		wk.revalidate(detached, task, !hit)
	})
	out.Revalidation = task

	if hit {
		out.CacheStatus.Hit()
		out.Response = stored
		out.Source = metrics.SourceCache
		return out, nil
	}

	out.CacheStatus.Forward(CacheStatusFwdUriMiss)
	res, err := task.Response(ctx)
	if err != nil {
		return out, fmt.Errorf("revalidate %s: %w", r.URL, err)
	}
	out.CacheStatus.FwdStatus = res.StatusCode
	out.CacheStatus.Stored = task.storing
	out.Response = res
	out.Source = metrics.SourceNetwork
	return out, nil
}

// revalidate fetches the request and stores a successful response.
// If deliver is false, nobody is waiting for the response and it is discarded.
func (wk *Worker) revalidate(r *http.Request, task *Task, deliver bool) {
	defer task.finish()
	ctx := r.Context()
	res, err := wk.fetcher.Fetch(ctx, r)
	if err != nil {
		if !deliver {
			wk.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not revalidate stored response")
		}
		task.resolve(nil, err)
		return
	}
	entry, ok := wk.snapshot(r, res)
	task.storing = ok
	task.resolve(res, nil)
	if !deliver && !ok {
		res.Body.Close()
	}
	if ok {
		wk.put(ctx, entry)
	}
}

// match returns the stored response for the request from the dynamic store.
// Any failure is logged and reported as a miss.
func (wk *Worker) match(ctx context.Context, r *http.Request) (*http.Response, bool) {
	key, err := cachekey.Key(r)
	if err != nil {
		if !errors.Is(err, cachekey.ErrorMethodNotSupported) {
			wk.log.Warn().Err(err).Msg("Could not create key for lookup")
		}
		return nil, false
	}
	log := wk.log.With().Str("key", key).Logger()
	store, err := wk.storage.Open(ctx, wk.dynamicName)
	if err != nil {
		log.Error().Err(err).Msg("Could not open dynamic store")
		wk.metrics.ObserveStore(metrics.StoreOperationMatch, metrics.StoreResultError)
		return nil, false
	}
	entry, found, err := store.Match(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve from store")
		wk.metrics.ObserveStore(metrics.StoreOperationMatch, metrics.StoreResultError)
		return nil, false
	}
	if !found {
		log.Trace().Msg("No stored response")
		wk.metrics.ObserveStore(metrics.StoreOperationMatch, metrics.StoreResultMiss)
		return nil, false
	}
	stored, err := serializer.LoadResponse(entry.Bytes, r)
	if err != nil {
		log.Error().Err(err).Msg("Could not load stored response")
		wk.metrics.ObserveStore(metrics.StoreOperationMatch, metrics.StoreResultError)
		return nil, false
	}
	log.Trace().Time("storedAt", stored.StoredAt).Msg("Found stored response")
	wk.metrics.ObserveStore(metrics.StoreOperationMatch, metrics.StoreResultHit)
	return stored.Response, true
}

// storeLater snapshots a successful response and schedules writing it to the dynamic store.
// It reports whether a write was scheduled.
func (wk *Worker) storeLater(ctx context.Context, r *http.Request, res *http.Response) bool {
	entry, ok := wk.snapshot(r, res)
	if !ok {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	wk.scheduler.Go(func() {
		wk.put(ctx, entry)
	})
	return true
}

// snapshot serializes a successful response for storing.
// The live response stays readable.
func (wk *Worker) snapshot(r *http.Request, res *http.Response) (cache.Entry, bool) {
	if !isOK(res.StatusCode) {
		return cache.Entry{}, false
	}
	key, err := cachekey.Key(r)
	if err != nil {
		wk.log.Debug().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Not storing response")
		return cache.Entry{}, false
	}
	now := time.Now()
	b, err := serializer.StoreResponse(res, now)
	if err != nil {
		wk.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return cache.Entry{}, false
	}
	return cache.Entry{Key: key, StoredAt: now, Bytes: b}, true
}

// put writes the entry to the dynamic store. Errors are logged and dropped.
func (wk *Worker) put(ctx context.Context, entry cache.Entry) {
	log := wk.log.With().Str("key", entry.Key).Logger()
	store, err := wk.storage.Open(ctx, wk.dynamicName)
	if err == nil {
		err = store.Put(ctx, entry)
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not write to store")
		wk.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreResultError)
		return
	}
	log.Trace().Msg("Store write")
	wk.metrics.ObserveStore(metrics.StoreOperationPut, metrics.StoreResultStored)
}

func isOK(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

// offlineResponse is the synthetic response used when the network is unreachable.
func offlineResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       r,
	}
}
