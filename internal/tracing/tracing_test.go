package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/scgate/internal/config"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		otel.SetTextMapPropagator(prevProp)
		tp.Shutdown(context.Background())
	})
	return rec
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if tracer.IsEnabled() {
		t.Error("expected disabled tracer")
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	h := tracer.Middleware(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Error("next handler not called")
	}
	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
	if err := tracer.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	rec := withRecorder(t)
	tracer := &Tracer{enabled: true, propagator: propagation.TraceContext{}}

	h := tracer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	r := httptest.NewRequest("GET", "/v1/shelves", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("X-Trace-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Trace-ID = %q", got)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /v1/shelves" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
}

func TestStartSpanAndEndSpan(t *testing.T) {
	rec := withRecorder(t)

	ctx, parent := StartSpan(context.Background(), "parent")
	_, child := StartClientSpan(ctx, "servicecontrol.check")
	EndSpan(child, errors.New("unavailable"))
	EndSpan(parent, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	c := spans[0]
	if c.Name() != "servicecontrol.check" {
		t.Errorf("first ended span = %q", c.Name())
	}
	if c.Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("child span is not parented")
	}
	if c.Status().Code != codes.Error || len(c.Events()) == 0 {
		t.Error("error not recorded on span")
	}
}

func TestInjectHeaders(t *testing.T) {
	withRecorder(t)

	ctx, span := StartSpan(context.Background(), "outbound")
	defer span.End()

	h := http.Header{}
	InjectHeaders(ctx, h)
	if len(h.Get("traceparent")) != 55 {
		t.Errorf("traceparent = %q", h.Get("traceparent"))
	}
}
