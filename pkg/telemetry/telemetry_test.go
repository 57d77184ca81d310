package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "engine")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitDefaultsServiceName(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "  ")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
}

func TestParseSampler(t *testing.T) {
	cases := []struct {
		name string
		arg  string
		want trace.Sampler
	}{
		{"always_on", "", trace.AlwaysSample()},
		{"always_off", "", trace.NeverSample()},
		{"traceidratio", "0.5", trace.TraceIDRatioBased(0.5)},
		{"traceidratio", "7", trace.TraceIDRatioBased(1)},
		{"traceidratio", "-1", trace.TraceIDRatioBased(0)},
	}
	for _, tc := range cases {
		got := parseSampler(tc.name, tc.arg)
		if got.Description() != tc.want.Description() {
			t.Fatalf("sampler %q/%q: got %q want %q", tc.name, tc.arg, got.Description(), tc.want.Description())
		}
	}
	if parseSampler("", "").Description() == "" {
		t.Fatalf("default sampler must be set")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("engine")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("middleware must pass through, got %d", rr.Code)
	}
}
