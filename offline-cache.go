package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Config struct {
	// Version of the worker. It is part of the default store names.
	Version string
	// Optional application prefix for the default store names.
	Prefix string
	// Name of the store holding the installed assets.
	// Defaults to `<prefix>-<version>-static`.
	StaticStoreName string
	// Name of the store filled at runtime by the strategies.
	// Defaults to `<prefix>-<version>-dynamic`.
	DynamicStoreName string
	// URLs fetched and stored on install.
	// Relative URLs are resolved against OriginURL.
	Assets []string
	// Routing rules. DefaultRoutes is used if nil.
	Routes *Routes
	// Storage for the named stores. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network to use. Defaults to Next if set, and an HTTPFetcher otherwise.
	Fetcher Fetcher
	// Optional next handler, for middleware mode.
	// Bypassed requests are sent here instead of to the network.
	Next http.Handler
	// URL of the origin server, for reverse proxy mode.
	// Requests with absolute URLs (forward proxy mode) are not rewritten.
	OriginURL url.URL
	// Hostname to use for HTTP requests to the origin and TLS negotiation with it.
	// Use if needed if e.g. the origin URL is just an IP address.
	// Requests to other hosts are sent as is.
	OriginHost string
	// Runs store writes and revalidations. GoScheduler is used if nil.
	Scheduler Scheduler
	// Do not skip waiting after install; wait for a SKIP_WAITING message instead.
	HoldWaiting bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics recorder.
	Metrics *metrics.Recorder
}

// Worker intercepts requests and answers them according to its routes,
// using the stores of a single version.
type Worker struct {
	version     string
	staticName  string
	dynamicName string
	assets      []string
	routes      Routes
	storage     cache.Storage
	fetcher     Fetcher
	next        http.Handler
	originURL   url.URL
	scheduler   Scheduler
	holdWaiting bool
	log         zerolog.Logger
	metrics     *metrics.Recorder

	mutex       sync.RWMutex
	state       State
	skipWaiting bool
	controlling bool
}

// Outcome is the result of intercepting a request.
// Response is nil when the request is bypassed.
type Outcome struct {
	Strategy    Strategy
	Response    *http.Response
	CacheStatus CacheStatus
	Source      metrics.Source
	// Revalidation is set for stale-while-revalidate requests.
	Revalidation *Task
}

// New creates a worker in the `new` state.
func New(config Config) (*Worker, error) {
	logger := defaultLogger(config.Logger).With().
		Str("version", config.Version).
		Logger()

	wk := &Worker{
		version:     config.Version,
		staticName:  config.StaticStoreName,
		dynamicName: config.DynamicStoreName,
		storage:     config.Storage,
		fetcher:     config.Fetcher,
		next:        config.Next,
		originURL:   config.OriginURL,
		scheduler:   config.Scheduler,
		holdWaiting: config.HoldWaiting,
		log:         logger,
		metrics:     config.Metrics,
		state:       StateNew,
	}

	if wk.staticName == "" {
		wk.staticName = storeName(config.Prefix, config.Version, "static")
	}
	if wk.dynamicName == "" {
		wk.dynamicName = storeName(config.Prefix, config.Version, "dynamic")
	}
	if config.Version == "" && (config.StaticStoreName == "" || config.DynamicStoreName == "") {
		return nil, errors.New("version is required unless both store names are set")
	}
	if wk.staticName == wk.dynamicName {
		return nil, fmt.Errorf("static and dynamic stores must differ, both are %q", wk.staticName)
	}

	if config.Routes != nil {
		wk.routes = *config.Routes
	} else {
		wk.routes = DefaultRoutes()
	}
	if wk.storage == nil {
		wk.storage = cache.NewMemStorage()
	}
	if wk.fetcher == nil {
		if wk.next != nil {
			wk.fetcher = HandlerFetcher{Handler: wk.next}
		} else {
			wk.fetcher = NewHTTPFetcher(config.OriginURL.Host, config.OriginHost)
		}
	}
	if wk.scheduler == nil {
		wk.scheduler = GoScheduler{}
	}

	for _, asset := range config.Assets {
		resolved, err := wk.resolveAsset(asset)
		if err != nil {
			return nil, err
		}
		wk.assets = append(wk.assets, resolved)
	}

	return wk, nil
}

func storeName(prefix, version, kind string) string {
	if prefix == "" {
		return version + "-" + kind
	}
	return prefix + "-" + version + "-" + kind
}

func defaultLogger(logger *zerolog.Logger) zerolog.Logger {
	// use console logger if not specified in config
	if logger == nil {
		return zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	}
	return *logger
}

func (wk *Worker) resolveAsset(asset string) (string, error) {
	u, err := url.Parse(asset)
	if err != nil {
		return "", fmt.Errorf("parse asset %q: %w", asset, err)
	}
	if !u.IsAbs() {
		if wk.originURL.Host == "" {
			return "", fmt.Errorf("relative asset %q needs an origin URL", asset)
		}
		u = wk.originURL.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("asset %q is not an http(s) URL", asset)
	}
	return u.String(), nil
}

// resolveRequest returns a copy of the request with an absolute URL.
func (wk *Worker) resolveRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if req.URL.IsAbs() {
		return req
	}
	if wk.originURL.Host != "" {
		req.URL.Scheme = wk.originURL.Scheme
		req.URL.Host = wk.originURL.Host
	} else {
		req.URL.Scheme = "http"
		if r.TLS != nil {
			req.URL.Scheme = "https"
		}
		req.URL.Host = r.Host
	}
	return req
}

func (wk *Worker) Version() string {
	return wk.version
}

func (wk *Worker) StaticStoreName() string {
	return wk.staticName
}

func (wk *Worker) DynamicStoreName() string {
	return wk.dynamicName
}

// Assets returns the resolved asset URLs.
func (wk *Worker) Assets() []string {
	return append([]string(nil), wk.assets...)
}

// Intercept answers the request according to the matching strategy.
// An error is only returned when stale-while-revalidate has neither a stored nor a network response.
func (wk *Worker) Intercept(r *http.Request) (Outcome, error) {
	req := wk.resolveRequest(r)
	strategy := wk.routes.Classify(req)
	var out Outcome
	var err error
	switch strategy {
	case StrategyNetworkFirst:
		out = wk.networkFirst(req)
	case StrategyCacheFirst:
		out = wk.cacheFirst(req)
	case StrategyStaleWhileRevalidate:
		out, err = wk.staleWhileRevalidate(req)
	default:
		out.CacheStatus.Forward(CacheStatusFwdBypass)
		out.Source = metrics.SourceBypass
	}
	out.Strategy = strategy
	out.CacheStatus.Detail = string(strategy)
	return out, err
}

// ServeHTTP implements the http.Handler interface.
func (wk *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer wk.recover(w, r)
	start := time.Now()
	log := wk.requestLogger(r)

	if !wk.Controlling() {
		log.Trace().Msg("Worker does not control clients, passing through")
		wk.passThrough(w, r)
		return
	}

	out, err := wk.Intercept(r)
	if err != nil {
		log.Error().Err(err).Str("strategy", string(out.Strategy)).Msg("Could not fetch response from network")
		wk.metrics.ObserveRequest(string(out.Strategy), metrics.SourceError, time.Since(start))
		http.Error(w, "Error contacting network", http.StatusBadGateway)
		return
	}
	wk.metrics.ObserveRequest(string(out.Strategy), out.Source, time.Since(start))
	if out.Response == nil {
		wk.passThrough(w, r)
		return
	}
	send(w, out.Response, out.CacheStatus, log)
}

// recover recovers from panics and sends the request to the escape hatch.
func (wk *Worker) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		wk.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in worker handler")
		wk.passThrough(w, r)
	}
}

// passThrough sends the request on unmodified, as if the worker did not exist.
func (wk *Worker) passThrough(w http.ResponseWriter, r *http.Request) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	if wk.next != nil {
		w.Header().Add("Cache-Status", cs.String())
		wk.next.ServeHTTP(w, r)
		return
	}
	req := wk.resolveRequest(r)
	res, err := wk.fetcher.Fetch(req.Context(), req)
	if err != nil {
		wk.log.Error().Err(err).Msg("Error connecting to network")
		http.Error(w, "Could not connect to network", http.StatusBadGateway)
		return
	}
	cs.FwdStatus = res.StatusCode
	send(w, res, cs, wk.requestLogger(r))
}

func (wk *Worker) requestLogger(r *http.Request) zerolog.Logger {
	if id, ok := hlog.IDFromRequest(r); ok {
		return wk.log.With().Str("req_id", id.String()).Logger()
	}
	return wk.log
}

func send(w http.ResponseWriter, res *http.Response, status CacheStatus, log zerolog.Logger) {
	evt := log.Debug()
	if res.Request != nil {
		evt = evt.Str("method", res.Request.Method).Str("url", res.Request.URL.String())
	}
	isHit := 0
	if status.Status == CacheStatusHit {
		isHit = 1
	}
	evt.
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Str("detail", status.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Del("Connection")
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Middleware returns a middleware that puts a worker in front of the next handler.
// The next handler plays the part of the network. The worker is installed and
// activated right away; if that fails, requests pass through untouched.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		cfg := config
		cfg.Next = next
		log := defaultLogger(cfg.Logger)
		wk, err := New(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Could not create worker")
			return next
		}
		reg := NewRegistration(next, &log)
		if err := reg.Update(context.Background(), wk); err != nil {
			log.Error().Err(err).Msg("Could not register worker")
		}
		return reg
	}
}
