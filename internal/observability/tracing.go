package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/onboarding/internal/config"
)

// ServiceName identifies the onboarding service in traces and logs.
const ServiceName = "supplier-onboarding"

const tracerName = "github.com/pitabwire/onboarding"

// Span attribute keys.
var (
	AttrApplicationID = attribute.Key("onboarding.application_id")
	AttrStep          = attribute.Key("onboarding.step")
	AttrDecision      = attribute.Key("onboarding.decision")
	AttrSupplierCode  = attribute.Key("onboarding.supplier_code")
	AttrCodePrefix    = attribute.Key("onboarding.code_prefix")
	AttrAuditLogID    = attribute.Key("onboarding.audit_log_id")
)

// InitTracing installs the global tracer provider and W3C propagators.
// The returned function flushes pending spans. Disabled tracing installs
// nothing and returns a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at rate, clamped to (0, 1] with 0.1 for
// unset, and follows the caller's decision otherwise.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}
	if rate == 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span named name under the onboarding tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// applicationAttrs leaves out an id that is not stored yet and a blank step.
func applicationAttrs(id int64, step string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id > 0 {
		attrs = append(attrs, AttrApplicationID.Int64(id))
	}
	if step != "" {
		attrs = append(attrs, AttrStep.String(step))
	}
	return attrs
}

// StartApplicationSpan opens a span for an operation on application id at
// workflow step.
func StartApplicationSpan(ctx context.Context, name string, id int64, step string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, append(applicationAttrs(id, step), attrs...)...)
}

// TagApplication records the application and step on the span in ctx.
// Operations that only learn them part way through (a new submission gets
// its id on insert, a decision learns its step under the row lock) call it
// once they are known.
func TagApplication(ctx context.Context, id int64, step string) {
	if attrs := applicationAttrs(id, step); len(attrs) > 0 {
		trace.SpanFromContext(ctx).SetAttributes(attrs...)
	}
}

// TagAllocation records the prefix a supplier code was drawn from and the
// code itself on the span in ctx.
func TagAllocation(ctx context.Context, prefix, code string) {
	span := trace.SpanFromContext(ctx)
	if prefix != "" {
		span.SetAttributes(AttrCodePrefix.String(prefix))
	}
	if code != "" {
		span.SetAttributes(AttrSupplierCode.String(code))
	}
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TraceCarrier returns the trace context as flat headers for messages on
// the notification topic.
func TraceCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// TracingMiddleware opens a server span per request, continuing any
// inbound traceparent. Once chi has routed the request the span is renamed
// to the route pattern and, on /registrations/{id} routes, tagged with the
// application id.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
			if id, err := strconv.ParseInt(rctx.URLParam("id"), 10, 64); err == nil && id > 0 {
				span.SetAttributes(AttrApplicationID.Int64(id))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
