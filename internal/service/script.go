// Package service implements the install script download logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"arch-install-proxy/internal/model"
)

// SourceURL is the only document this proxy serves. It is intentionally not configurable.
const SourceURL = "https://raw.githubusercontent.com/VictorBravo9er/scripts/refs/heads/main/arch.install.sh"

const (
	downloadContentType = "text/plain"
	downloadDisposition = `attachment; filename="install.sh"`
	failurePrefix       = "Failed to fetch file: "
)

// ErrUpstreamUnavailable is returned when the script could not be fetched at all.
// An upstream that answers with an error status is not reported through this error.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// hopByHopHeaders are connection-scoped and never copied from the upstream response.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher retrieves a document from the upstream. Implementations make a single
// attempt and return non-2xx responses as values, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*model.UpstreamResponse, error)
}

// ScriptService turns the upstream script into a download response.
type ScriptService struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewScriptService creates a ScriptService.
func NewScriptService(f Fetcher, logger *slog.Logger) *ScriptService {
	return &ScriptService{
		fetcher: f,
		logger:  logger.With("component", "script_service"),
	}
}

// Download fetches SourceURL once and returns the response to send to the caller.
// The caller is responsible for closing the response body.
//
// A 2xx upstream response keeps its status, body stream and end-to-end headers,
// with Content-Type and Content-Disposition overridden for download. Any other
// upstream status yields a short plain-text explanation carrying that status.
// Only transport failures return an error, wrapping ErrUpstreamUnavailable.
func (s *ScriptService) Download(ctx context.Context) (*model.DownloadResponse, error) {
	resp, err := s.fetcher.Fetch(ctx, SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if !resp.OK() {
		s.logger.Debug("upstream returned error status",
			"status", resp.StatusCode,
			"status_text", resp.StatusText,
		)
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return &model.DownloadResponse{
			StatusCode: resp.StatusCode,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(failurePrefix + resp.StatusText)),
		}, nil
	}

	return &model.DownloadResponse{
		StatusCode: resp.StatusCode,
		Header:     downloadHeader(resp.Header),
		Body:       resp.Body,
	}, nil
}

// downloadHeader returns a copy of src without hop-by-hop headers and with the
// download headers set. src is left untouched.
func downloadHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	// Headers listed in Connection are hop-by-hop as well.
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}

	dst.Set("Content-Type", downloadContentType)
	dst.Set("Content-Disposition", downloadDisposition)
	return dst
}
