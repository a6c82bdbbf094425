package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/YaganovValera/market-feed/internal/metrics"
	"github.com/YaganovValera/market-feed/pkg/logger"
)

func newTestServer(t *testing.T, check ReadyChecker) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s, err := New(Config{Addr: "127.0.0.1:0"}, check, reg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.MetricsPath != "/metrics" || cfg.HealthzPath != "/healthz" || cfg.ReadyzPath != "/readyz" {
		t.Errorf("unexpected paths %+v", cfg)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if err := cfg.validate(); err == nil {
		t.Error("expected error for empty Addr")
	}
}

func TestEndpoints(t *testing.T) {
	var notReady error = errors.New("connecting")
	s := newTestServer(t, func(context.Context) error { return notReady })
	h := s.Handler()

	if code, body := get(t, h, "/healthz"); code != http.StatusOK || body != "OK" {
		t.Errorf("/healthz = %d %q", code, body)
	}
	if code, body := get(t, h, "/readyz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "connecting") {
		t.Errorf("/readyz = %d %q; want 503", code, body)
	}
	notReady = nil
	if code, body := get(t, h, "/readyz"); code != http.StatusOK || body != "READY" {
		t.Errorf("/readyz = %d %q; want 200", code, body)
	}
	if code, body := get(t, h, "/metrics"); code != http.StatusOK || !strings.Contains(body, "test_counter_total 1") {
		t.Errorf("/metrics = %d %q", code, body)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, func(context.Context) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q; want *", got)
	}
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, func(context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "abc" {
		t.Errorf("X-Request-ID = %q; want abc", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("X-Request-ID must be generated")
	}

	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Errorf("context request id = %q", seen)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	h := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/tea", http.MethodGet, "418"))
	if code, _ := get(t, h, "/tea"); code != http.StatusTeapot {
		t.Fatalf("code = %d", code)
	}
	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/tea", http.MethodGet, "418"))
	if after-before != 1 {
		t.Errorf("requests counter delta = %v; want 1", after-before)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	if code, _ := get(t, h, "/"); code != http.StatusInternalServerError {
		t.Errorf("code = %d; want 500", code)
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	s := newTestServer(t, func(context.Context) error { return nil })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
