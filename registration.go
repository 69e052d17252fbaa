package offlinecache

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Registration holds the active worker and at most one waiting worker.
// Requests go to the active worker.
type Registration struct {
	mutex   sync.RWMutex
	active  *Worker
	waiting *Worker
	// serializes promotions
	promoteMutex sync.Mutex
	fallback     http.Handler
	log          zerolog.Logger
}

// NewRegistration creates an empty registration.
// Until a worker is active, requests go to fallback; if it is nil, they are answered with 503.
func NewRegistration(fallback http.Handler, logger *zerolog.Logger) *Registration {
	return &Registration{
		fallback: fallback,
		log:      defaultLogger(logger),
	}
}

func (reg *Registration) Active() *Worker {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	return reg.active
}

func (reg *Registration) Waiting() *Worker {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	return reg.waiting
}

// Update installs the worker and makes it the waiting worker.
// If installing fails, the current workers are kept.
// A worker that skipped waiting is activated and replaces the active worker right away.
func (reg *Registration) Update(ctx context.Context, wk *Worker) error {
	if err := wk.Install(ctx); err != nil {
		return err
	}
	reg.mutex.Lock()
	if reg.waiting != nil {
		reg.waiting.retire()
	}
	reg.waiting = wk
	reg.mutex.Unlock()

	if wk.SkippedWaiting() {
		return reg.promote(ctx)
	}
	reg.log.Info().Str("version", wk.Version()).Msg("Worker is waiting")
	return nil
}

// Message delivers a control message to the waiting worker, or to the active one if none is waiting.
// A waiting worker that skips waiting as a result is promoted.
func (reg *Registration) Message(ctx context.Context, payload []byte) error {
	reg.mutex.RLock()
	target, waiting := reg.waiting, true
	if target == nil {
		target, waiting = reg.active, false
	}
	reg.mutex.RUnlock()

	if target == nil {
		reg.log.Debug().Msg("No worker to deliver message to")
		return nil
	}
	target.Message(payload)
	if waiting && target.SkippedWaiting() {
		return reg.promote(ctx)
	}
	return nil
}

// promote activates the waiting worker and makes it the active one.
func (reg *Registration) promote(ctx context.Context) error {
	reg.promoteMutex.Lock()
	defer reg.promoteMutex.Unlock()

	wk := reg.Waiting()
	if wk == nil {
		return nil
	}
	if err := wk.Activate(ctx); err != nil {
		return err
	}

	reg.mutex.Lock()
	old := reg.active
	reg.active = wk
	if reg.waiting == wk {
		reg.waiting = nil
	}
	reg.mutex.Unlock()

	if old != nil {
		old.retire()
	}
	reg.log.Info().Str("version", wk.Version()).Msg("Worker activated")
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wk := reg.Active(); wk != nil {
		wk.ServeHTTP(w, r)
		return
	}
	if reg.fallback != nil {
		reg.fallback.ServeHTTP(w, r)
		return
	}
	http.Error(w, "No active worker", http.StatusServiceUnavailable)
}
