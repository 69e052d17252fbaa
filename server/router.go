package server

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is the path prefix of the control endpoints.
// Requests under it never reach the worker.
const AdminPrefix = "/.offline-cache"

const maxMessageBytes = 64 << 10

type Options struct {
	Registration *offlinecache.Registration
	Storage      cache.Storage
	Metrics      *metrics.Recorder
	Logger       *zerolog.Logger
}

type workerStatus struct {
	Version      string             `json:"version"`
	State        offlinecache.State `json:"state"`
	Controlling  bool               `json:"controlling"`
	StaticStore  string             `json:"staticStore"`
	DynamicStore string             `json:"dynamicStore"`
}

type statusResponse struct {
	Active  *workerStatus `json:"active"`
	Waiting *workerStatus `json:"waiting"`
}

type storesResponse struct {
	Stores []string `json:"stores"`
}

type storeResponse struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

// NewRouter wires the control endpoints, the metrics endpoint and the worker registration.
// Every request that does not match a control endpoint goes to the registration.
func NewRouter(opts Options) http.Handler {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	h := handlers{
		reg:     opts.Registration,
		storage: opts.Storage,
	}

	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(logger),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Trace().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
	)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Post("/message", h.message)
		r.Get("/status", h.status)
		r.Get("/stores", h.stores)
		r.Get("/stores/{name}", h.store)
	})
	r.Handle("/metrics", opts.Metrics.Handler())
	r.Handle("/*", opts.Registration)

	return r
}

type handlers struct {
	reg     *offlinecache.Registration
	storage cache.Storage
}

func (h handlers) message(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if err := h.reg.Message(r.Context(), payload); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not promote waiting worker")
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Active:  describe(h.reg.Active()),
		Waiting: describe(h.reg.Waiting()),
	})
}

func describe(wk *offlinecache.Worker) *workerStatus {
	if wk == nil {
		return nil
	}
	return &workerStatus{
		Version:      wk.Version(),
		State:        wk.State(),
		Controlling:  wk.Controlling(),
		StaticStore:  wk.StaticStoreName(),
		DynamicStore: wk.DynamicStoreName(),
	}
}

func (h handlers) stores(w http.ResponseWriter, r *http.Request) {
	names, err := h.storage.Names(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list stores")
		writeError(w, http.StatusInternalServerError, "could not list stores")
		return
	}
	writeJSON(w, http.StatusOK, storesResponse{Stores: names})
}

func (h handlers) store(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	log := hlog.FromRequest(r).With().Str("store", name).Logger()
	names, err := h.storage.Names(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Could not list stores")
		writeError(w, http.StatusInternalServerError, "could not list stores")
		return
	}
	if !slices.Contains(names, name) {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	store, err := h.storage.Open(r.Context(), name)
	if err != nil {
		log.Error().Err(err).Msg("Could not open store")
		writeError(w, http.StatusInternalServerError, "could not open store")
		return
	}
	keys, err := store.Keys(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Could not list entries")
		writeError(w, http.StatusInternalServerError, "could not list entries")
		return
	}
	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		req, err := cachekey.RequestFromKey(key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed key")
			continue
		}
		entries = append(entries, req.URL.String())
	}
	writeJSON(w, http.StatusOK, storeResponse{Name: name, Entries: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
