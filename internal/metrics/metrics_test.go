package metrics

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

	"github.com/rs/zerolog"
)

func TestHealthOK(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	srv.AddHealthCheck("storage", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected OK body, got %q", rec.Body.String())
	}
}

func TestHealthFailingCheck(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	srv.AddHealthCheck("storage", func(context.Context) error { return nil })
	srv.AddHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nats") || strings.Contains(rec.Body.String(), "storage") {
		t.Errorf("Expected only nats reported, got %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	PositionsProcessed.WithLabelValues("accepted").Inc()

	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `triptrack_positions_processed_total{outcome="accepted"}`) {
		t.Error("Expected positions counter in exposition")
	}
}

func TestServeOnProvidedListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer("", zerolog.Nop())
	srv.SetListener(ln)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("Unexpected response %d %q", resp.StatusCode, body)
	}
}
