package offlinecache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	saver "github.com/always-cache/offline-cache/pkg/response-saver"
)

// Fetcher performs network requests on behalf of the worker.
// Any error returned is treated as a failed fetch; a response with a non-2xx status is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// HTTPFetcher fetches over the network using an http.Client.
type HTTPFetcher struct {
	client       http.Client
	originClient http.Client
	originAddr   string
	originHost   string
}

// NewHTTPFetcher creates a fetcher that does not follow redirects.
// If originHost is not empty, it is used as the Host header and for TLS negotiation,
// but only for requests to originAddr (the host[:port] of the origin URL).
func NewHTTPFetcher(originAddr, originHost string) *HTTPFetcher {
	// do not follow redirects
	noRedirect := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	f := &HTTPFetcher{
		originAddr:   originAddr,
		originHost:   originHost,
		client:       http.Client{CheckRedirect: noRedirect},
		originClient: http.Client{CheckRedirect: noRedirect},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			ServerName: originHost,
		}
		f.originClient.Transport = transport
	}
	return f
}

func (f *HTTPFetcher) toOrigin(u *url.URL) bool {
	return f.originHost != "" && f.originAddr != "" && strings.EqualFold(u.Host, f.originAddr)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if !r.URL.IsAbs() {
		return nil, fmt.Errorf("cannot fetch relative URL %s", r.URL)
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", r.URL, err)
	}
	req.ContentLength = r.ContentLength
	client := &f.client
	if f.toOrigin(req.URL) {
		req.Host = f.originHost
		client = &f.originClient
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	return client.Do(req)
}

// HandlerFetcher turns an http.Handler into a fetcher.
// It is used in middleware mode, where the next handler plays the part of the network.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	rs := saver.NewResponseSaver()
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	f.Handler.ServeHTTP(rs, r.WithContext(ctx))
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), r)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
