// Package transport provides the shared HTTP client used across the tile
// caching and offline region pipeline: tile fetches, offline archive
// downloads, and region catalog dataset downloads all share one
// connection-pooled client.
package transport

import (
	"net/http"
	"time"
)

// DefaultClient is a pre-configured HTTP client shared across the pipeline.
// It is safe for concurrent use across tasks, matching the pipeline's
// "shared resources" model where the HTTP client is reference-counted and
// internally thread-safe.
var DefaultClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}
