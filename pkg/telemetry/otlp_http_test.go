package telemetry

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

// collector records the OTLP/HTTP requests it receives.
type collector struct {
	mu    sync.Mutex
	paths map[string]int
	auth  string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.auth = r.Header.Get("Authorization")
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestOTLPHTTPExport(t *testing.T) {
	tracerProvider, meterProvider := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tracerProvider)
		otel.SetMeterProvider(meterProvider)
	})

	col := &collector{paths: map[string]int{}}
	srv := httptest.NewServer(col)
	defer srv.Close()

	shutdown, err := InitWithConfig("watt-test", "dev", Config{
		Exporter:           "otlp-http",
		OTLPEndpoint:       strings.TrimPrefix(srv.URL, "http://"),
		OTLPInsecure:       true,
		OTLPTimeoutSeconds: 2,
		OTLPUser:           "watt",
		OTLPToken:          "s3cret",
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	ctx, span := otel.Tracer("watt/test").Start(context.Background(), "engine.run")
	m.RunFinished(ctx, "completed", "", 1500*time.Millisecond)
	span.End()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if col.count("/v1/traces") == 0 {
		t.Errorf("expected spans exported to /v1/traces, got %v", col.paths)
	}
	if col.count("/v1/metrics") == 0 {
		t.Errorf("expected metrics exported to /v1/metrics, got %v", col.paths)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("watt:s3cret"))
	if col.auth != want {
		t.Errorf("expected basic auth header, got %q", col.auth)
	}
}
