package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorMethodNotSupported is returned for requests that can never be stored.
// Only GET responses are kept, like the platform cache this proxy stands in for.
var ErrorMethodNotSupported = errors.New("Method not supported")

const methodSeparator = ":"

// Key returns the cache key for a request: the method followed by the absolute URL.
// Headers never take part in the key, and neither does the URL fragment or user info.
func Key(r *http.Request) (string, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	if r.URL == nil || !r.URL.IsAbs() || r.URL.Host == "" {
		return "", fmt.Errorf("Request URL is not absolute: %v", r.URL)
	}
	u := *r.URL
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	return method + methodSeparator + u.String(), nil
}

// RequestFromKey generates a request that results in the provided key.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method != http.MethodGet {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
