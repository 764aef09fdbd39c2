package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newInstrumentedHandler wires the middleware around fn with a manual metric
// reader and an in-memory span exporter so tests can inspect both signals.
func newInstrumentedHandler(t *testing.T, fn http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	exp := swapTracerProvider(t)
	return Middleware(m)(fn), reader, exp
}

func TestMiddlewareCorrelationID(t *testing.T) {
	var inHandler string
	h, _, _ := newInstrumentedHandler(t, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/voice/speech", nil))

	if len(inHandler) != 32 {
		t.Fatalf("handler saw correlation id %q, want a 32-char trace id", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
	}
}

func TestMiddlewareAdoptsIncomingTraceparent(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inHandler string
	h, _, _ := newInstrumentedHandler(t, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	})

	req := httptest.NewRequest("GET", "/api/v1/calls", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inHandler != traceID {
		t.Errorf("correlation id = %q, want the caller's trace id", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddlewareSpan(t *testing.T) {
	h, _, exp := newInstrumentedHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/voice/missing", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /voice/missing" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span http.response.status_code = %d, want 404", status)
	}
}

func TestMiddlewareDurationMetric(t *testing.T) {
	h, reader, _ := newInstrumentedHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/calls", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	met := findMetric(rm, "dialtree.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected metric shape %T", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "POST", "path": "/api/v1/calls", "status": "201"}
	for _, kv := range dp.Attributes.ToSlice() {
		if expected, ok := want[string(kv.Key)]; ok && kv.Value.Emit() == expected {
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("histogram attributes missing %v", want)
	}
}
