package offlinecache

import (
	"net/http"
	"strings"
)

type Strategy string

const (
	// The request is not handled and goes to the network unmodified.
	StrategyBypass Strategy = "bypass"
	// Network, falling back to the dynamic store.
	StrategyNetworkFirst Strategy = "network-first"
	// Dynamic store, falling back to the network.
	StrategyCacheFirst Strategy = "cache-first"
	// Dynamic store while the network refreshes it.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Routes configures how requests are mapped to strategies.
// Matching is by substring for hosts and paths, and by suffix for extensions.
type Routes struct {
	NetworkFirstHosts    []string `yaml:"networkFirstHosts"`
	NetworkFirstPaths    []string `yaml:"networkFirstPaths"`
	CacheFirstExtensions []string `yaml:"cacheFirstExtensions"`
}

func DefaultRoutes() Routes {
	return Routes{
		NetworkFirstHosts:    []string{"firebasestorage", "firestore"},
		NetworkFirstPaths:    []string{"testadmin.html"},
		CacheFirstExtensions: []string{".css", ".js", ".woff2"},
	}
}

// Classify selects the strategy for a request with an absolute URL.
// Rules are checked in order and the first match wins.
func (rt Routes) Classify(r *http.Request) Strategy {
	u := r.URL
	if u.Scheme != "http" && u.Scheme != "https" {
		return StrategyBypass
	}
	if containsAny(u.Hostname(), rt.NetworkFirstHosts) || containsAny(u.Path, rt.NetworkFirstPaths) {
		return StrategyNetworkFirst
	}
	if isImageRequest(r) || hasAnySuffix(u.Path, rt.CacheFirstExtensions) {
		return StrategyCacheFirst
	}
	return StrategyStaleWhileRevalidate
}

// isImageRequest reports whether the client declared the request to be for an image.
func isImageRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "image")
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
