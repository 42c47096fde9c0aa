package client

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"arch-install-proxy/internal/config"
	"arch-install-proxy/internal/metrics"
)

func newTestClient(t *testing.T, timeoutSeconds int, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds: timeoutSeconds,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("User-Agent = %q, want %q", ua, userAgent)
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("#!/bin/bash\necho hi\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.Fetch(context.Background(), srv.URL+"/arch.install.sh")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.StatusText != "OK" {
		t.Errorf("StatusText = %q, want %q", resp.StatusText, "OK")
	}
	if !resp.OK() {
		t.Error("OK() = false, want true")
	}
	if got := resp.Header.Get("ETag"); got != `"abc"` {
		t.Errorf("ETag = %q, want %q", got, `"abc"`)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "#!/bin/bash\necho hi\n" {
		t.Errorf("body = %q", string(body))
	}
}

func TestUpstreamClient_Fetch_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "404: Not Found", http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, 10, m)

	resp, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if resp.StatusText != "Not Found" {
		t.Errorf("StatusText = %q, want %q", resp.StatusText, "Not Found")
	}
	if resp.OK() {
		t.Error("OK() = true, want false")
	}
	if got := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues("404")); got != 1 {
		t.Errorf("upstream responses{404} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamTransportErrors); got != 0 {
		t.Errorf("transport errors = %v, want 0", got)
	}
}

func TestUpstreamClient_Fetch_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	_ = resp.Body.Close()

	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

// dropSecondRequest serves a raw HTTP/1.1 upstream that answers every request
// except the second, whose connection it closes after reading the request.
// It returns the listener address and a counter of requests read.
func dropSecondRequest(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var reads atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					_, _ = io.Copy(io.Discard, req.Body)
					if reads.Add(1) == 2 {
						return
					}
					_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
				}
			}(conn)
		}
	}()

	return "http://" + ln.Addr().String(), &reads
}

func TestUpstreamClient_Fetch_DroppedConnectionNotReplayed(t *testing.T) {
	url, reads := dropSecondRequest(t)
	c := newTestClient(t, 5, nil)

	resp, err := c.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if _, err := c.Fetch(context.Background(), url); err == nil {
		t.Error("second Fetch() error = nil, want transport error for dropped connection")
	}

	if n := reads.Load(); n != 2 {
		t.Errorf("upstream requests read = %d, want 2 (one per Fetch)", n)
	}
}

func TestUpstreamClient_Fetch_FreshConnectionPerCall(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	c := newTestClient(t, 5, nil)
	for i := 0; i < 3; i++ {
		resp, err := c.Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	if n := conns.Load(); n != 3 {
		t.Errorf("upstream connections = %d, want 3", n)
	}
}

func TestUpstreamClient_Fetch_Error(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, 1, m)

	_, err := c.Fetch(context.Background(), "http://127.0.0.1:1/nonexistent")
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
	if got := testutil.ToFloat64(m.UpstreamTransportErrors); got != 1 {
		t.Errorf("transport errors = %v, want 1", got)
	}
}

func TestUpstreamClient_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Fetch(ctx, srv.URL+"/slow")
	if err == nil {
		t.Fatal("Fetch() expected error for canceled context, got nil")
	}
}

func TestUpstreamClient_Fetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, 1, nil)

	_, err := c.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("Fetch() expected timeout error, got nil")
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status string
		want   string
	}{
		{"standard phrase", 404, "404 Not Found", "Not Found"},
		{"custom phrase", 418, "418 Short And Stout", "Short And Stout"},
		{"missing phrase", 503, "503 ", "Service Unavailable"},
		{"empty status line", 500, "", "Internal Server Error"},
		{"mismatched code", 502, "500 Oops", "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := statusText(&http.Response{StatusCode: tt.code, Status: tt.status})
			if got != tt.want {
				t.Errorf("statusText() = %q, want %q", got, tt.want)
			}
		})
	}
}
