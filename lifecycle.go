package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// MessageSkipWaiting is the message type that makes a waiting worker take over.
const MessageSkipWaiting = "SKIP_WAITING"

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("worker is not installed")
	ErrNotActivated  = errors.New("worker is not activated")
)

func (wk *Worker) State() State {
	wk.mutex.RLock()
	defer wk.mutex.RUnlock()
	return wk.state
}

// Install fetches every asset and writes all of them to the static store.
// If any asset cannot be fetched, nothing is written and the worker becomes redundant.
// On success the worker skips waiting, unless configured to hold.
func (wk *Worker) Install(ctx context.Context) error {
	if err := wk.transition(StateNew, StateInstalling); err != nil {
		return err
	}
	wk.log.Info().Str("store", wk.staticName).Msgf("Installing, caching %d static assets", len(wk.assets))

	err := wk.install(ctx)
	wk.metrics.ObserveLifecycle("install", err)
	if err != nil {
		wk.setState(StateRedundant)
		wk.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	wk.setState(StateInstalled)
	wk.log.Info().Msg("Installed")

	if !wk.holdWaiting {
		wk.SkipWaiting()
	}
	return nil
}

func (wk *Worker) install(ctx context.Context) error {
	store, err := wk.storage.Open(ctx, wk.staticName)
	if err != nil {
		return fmt.Errorf("open static store: %w", err)
	}
	entries := make([]cache.Entry, len(wk.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range wk.assets {
		g.Go(func() error {
			entry, err := wk.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := store.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("write static store: %w", err)
	}
	return nil
}

func (wk *Worker) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("create request for asset %s: %w", asset, err)
	}
	key, err := cachekey.Key(req)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := wk.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch asset %s: %w", asset, err)
	}
	defer res.Body.Close()
	if !isOK(res.StatusCode) {
		return cache.Entry{}, fmt.Errorf("fetch asset %s: status %d", asset, res.StatusCode)
	}
	now := time.Now()
	b, err := serializer.StoreResponse(res, now)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("serialize asset %s: %w", asset, err)
	}
	wk.log.Trace().Str("key", key).Msg("Fetched static asset")
	return cache.Entry{Key: key, StoredAt: now, Bytes: b}, nil
}

// Activate deletes every store that belongs to another version and then claims the clients.
// If a store cannot be deleted, the worker stays installed.
func (wk *Worker) Activate(ctx context.Context) error {
	if err := wk.transition(StateInstalled, StateActivating); err != nil {
		return fmt.Errorf("%w: %w", ErrNotInstalled, err)
	}
	wk.log.Info().Msg("Activating")

	err := wk.clearOldStores(ctx)
	wk.metrics.ObserveLifecycle("activate", err)
	if err != nil {
		wk.setState(StateInstalled)
		wk.log.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("activate: %w", err)
	}
	wk.setState(StateActivated)
	return wk.Claim()
}

func (wk *Worker) clearOldStores(ctx context.Context) error {
	names, err := wk.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var g errgroup.Group
	for _, name := range names {
		if name == wk.staticName || name == wk.dynamicName {
			continue
		}
		g.Go(func() error {
			wk.log.Info().Str("store", name).Msg("Clearing old store")
			if _, err := wk.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete store %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SkipWaiting marks the worker to take over as soon as it is installed.
func (wk *Worker) SkipWaiting() {
	wk.mutex.Lock()
	defer wk.mutex.Unlock()
	wk.skipWaiting = true
}

func (wk *Worker) SkippedWaiting() bool {
	wk.mutex.RLock()
	defer wk.mutex.RUnlock()
	return wk.skipWaiting
}

// Claim makes the activated worker control its clients.
// A worker that does not control its clients passes every request through.
func (wk *Worker) Claim() error {
	wk.mutex.Lock()
	defer wk.mutex.Unlock()
	if wk.state != StateActivated {
		return fmt.Errorf("%w: state is %s", ErrNotActivated, wk.state)
	}
	wk.controlling = true
	return nil
}

func (wk *Worker) Controlling() bool {
	wk.mutex.RLock()
	defer wk.mutex.RUnlock()
	return wk.controlling
}

type message struct {
	Type string `json:"type"`
}

// Message handles a control message from a client.
// Only `{"type":"SKIP_WAITING"}` has an effect; anything else is ignored.
func (wk *Worker) Message(payload []byte) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		wk.log.Trace().Err(err).Msg("Ignoring malformed message")
		return
	}
	if m.Type == MessageSkipWaiting {
		wk.log.Debug().Msg("Skip waiting requested")
		wk.SkipWaiting()
	}
}

// retire is called when another worker replaces this one.
func (wk *Worker) retire() {
	wk.mutex.Lock()
	defer wk.mutex.Unlock()
	wk.state = StateRedundant
	wk.controlling = false
}

func (wk *Worker) transition(from, to State) error {
	wk.mutex.Lock()
	defer wk.mutex.Unlock()
	if wk.state != from {
		return fmt.Errorf("cannot move to %s from %s", to, wk.state)
	}
	wk.state = to
	return nil
}

func (wk *Worker) setState(state State) {
	wk.mutex.Lock()
	defer wk.mutex.Unlock()
	wk.state = state
}
