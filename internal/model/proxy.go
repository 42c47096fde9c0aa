// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// UpstreamResponse is the raw response fetched from the script source.
type UpstreamResponse struct {
	StatusCode int
	StatusText string // reason phrase, e.g. "Not Found"
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the upstream status is in the 2xx range.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// DownloadResponse is the response streamed back to the caller.
type DownloadResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
