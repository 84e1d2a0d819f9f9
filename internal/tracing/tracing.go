package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/scgate/internal/config"
)

const instrumentationName = "github.com/wudi/scgate"

// Tracer owns the process-wide OpenTelemetry provider.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

// New creates a Tracer from config. A disabled config yields a Tracer whose
// spans are no-ops.
func New(cfg config.TracingConfig) (*Tracer, error) {
	t := &Tracer{
		enabled: cfg.Enabled,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	if !cfg.Enabled {
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "scgate"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure(),
		)
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(t.propagator)
	return t, nil
}

// IsEnabled returns whether spans are exported.
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// Middleware starts a server span per request and continues any incoming
// trace context.
func (t *Tracer) Middleware(next http.Handler) http.Handler {
	if !t.IsEnabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(instrumentationName).Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ServerAddress(r.Host),
			),
		)
		defer span.End()

		if span.SpanContext().HasTraceID() {
			w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
		}

		tw := &tracingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(tw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", tw.statusCode))
		if tw.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(tw.statusCode))
		}
	})
}

// StartSpan starts an internal span from the global provider. Without a
// configured provider the span is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartClientSpan starts a span for an outbound call.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectHeaders writes the trace context of ctx into h.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Close flushes and shuts down the provider.
func (t *Tracer) Close(ctx context.Context) error {
	if t != nil && t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

type tracingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (tw *tracingWriter) WriteHeader(code int) {
	tw.statusCode = code
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tracingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *tracingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
