// Package lambda runs the HTTP handler chain behind AWS Lambda function URLs
// and API Gateway HTTP APIs (payload format 2.0).
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
)

// Adapter converts Lambda HTTP events to requests for an http.Handler and back.
type Adapter struct {
	handler http.Handler
	logger  *slog.Logger
}

// NewAdapter creates an Adapter serving events through h.
func NewAdapter(h http.Handler, logger *slog.Logger) *Adapter {
	return &Adapter{
		handler: h,
		logger:  logger.With("component", "lambda_adapter"),
	}
}

// Handle serves a single Lambda HTTP event. Malformed events yield a 400
// response rather than an invocation error.
func (a *Adapter) Handle(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	req, err := newRequest(ctx, ev)
	if err != nil {
		a.logger.Warn("invalid lambda event", "err", err)
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       http.StatusText(http.StatusBadRequest),
		}, nil
	}

	rw := newResponseWriter()
	a.handler.ServeHTTP(rw, req)
	return rw.event(), nil
}

func newRequest(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	method := ev.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}
	path := ev.RawPath
	if path == "" {
		path = "/"
	}
	target := path
	if ev.RawQueryString != "" {
		target += "?" + ev.RawQueryString
	}

	var body io.Reader = http.NoBody
	if ev.Body != "" {
		raw := []byte(ev.Body)
		if ev.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(ev.Body)
			if err != nil {
				return nil, fmt.Errorf("decode body: %w", err)
			}
			raw = decoded
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	if len(ev.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(ev.Cookies, "; "))
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	} else if ev.RequestContext.DomainName != "" {
		req.Host = ev.RequestContext.DomainName
	}
	req.RemoteAddr = ev.RequestContext.HTTP.SourceIP
	req.RequestURI = target

	return req, nil
}

// responseWriter buffers a response so it can be returned as a Lambda event.
type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: make(http.Header)}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}

func (w *responseWriter) event() events.APIGatewayV2HTTPResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}

	resp := events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    make(map[string]string, len(w.header)),
	}
	for k, vals := range w.header {
		if k == "Set-Cookie" {
			resp.Cookies = append(resp.Cookies, vals...)
			continue
		}
		resp.Headers[k] = strings.Join(vals, ", ")
	}

	if b := w.body.Bytes(); utf8.Valid(b) {
		resp.Body = string(b)
	} else {
		resp.Body = base64.StdEncoding.EncodeToString(b)
		resp.IsBase64Encoded = true
	}

	return resp
}
