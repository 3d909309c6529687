package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingTransport wraps base with an HTTP cache so GET /api/ca is only
// refetched once the server's Cache-Control max-age lapses, and then
// revalidated with the ETag.
func NewCachingTransport(cacheDir string, base http.RoundTripper) *httpcache.Transport {
	var transport *httpcache.Transport
	if cacheDir == "" {
		// Use in-memory cache if no cache directory specified
		transport = httpcache.NewTransport(httpcache.NewMemoryCache())
	} else {
		// Use disk-based cache for persistence across runs
		transport = httpcache.NewTransport(diskcache.New(cacheDir))
	}

	transport.Transport = base
	return transport
}

// NewInMemoryCachingHTTPClient creates an HTTP client with in-memory caching only.
// Suitable for testing or when disk caching is not desired.
func NewInMemoryCachingHTTPClient() *http.Client {
	return &http.Client{
		Transport: NewCachingTransport("", http.DefaultTransport),
	}
}
