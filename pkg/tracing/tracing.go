// Package tracing wires OpenTelemetry with a Jaeger exporter. Span context
// travels as W3C traceparent on outbound HTTP calls and as extra fields on
// broker stream entries, so a consumer span is a child of the producer span.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tileworks/platform/pkg/config"
	"github.com/tileworks/platform/pkg/logger"
)

// Config 追踪配置
type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // clamped to [0, 1]
}

// ConfigFromEnv reads TRACING_ENABLED, JAEGER_ENDPOINT and TRACING_SAMPLE_RATE.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Endpoint:    config.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		Enabled:     config.GetEnvBool("TRACING_ENABLED", false),
		SampleRate:  config.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

const (
	// echoes the trace id on every traced HTTP response
	traceHeader = "X-Trace-ID"

	tracerName      = "github.com/tileworks/platform"
	fallbackService = "coordinator"
	fallbackSpan    = "request"
)

var enabled atomic.Bool

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func clampRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Init installs the global provider and propagator. With tracing disabled
// every helper in this package is a no-op.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator())
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = fallbackService
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

// HTTPMiddleware 为入站请求开启 server span，并继承调用方的 traceparent
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		if id := TraceIDFromContext(ctx); id != "" {
			w.Header().Set(traceHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext returns the hex trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil || !enabled.Load() {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// StartSpan 开始一个新span，并把 trace/span id 放进日志上下文
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if name == "" {
		name = fallbackSpan
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	// logger.WithContext picks the ids up from here
	if sc := span.SpanContext(); sc.IsValid() {
		ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
		ctx = logger.ContextWithSpanID(ctx, sc.SpanID().String())
	}
	return ctx, span
}

// StartMessageSpan starts a producer, consumer or client span for a broker pattern.
func StartMessageSpan(ctx context.Context, pattern string, kind trace.SpanKind) (context.Context, trace.Span) {
	return StartSpan(ctx, pattern,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", pattern),
		))
}

func recording(ctx context.Context) (trace.Span, bool) {
	if ctx == nil || !enabled.Load() {
		return nil, false
	}
	span := trace.SpanFromContext(ctx)
	return span, span.IsRecording()
}

// AddEvent marks a point in the active span, e.g. a compensation or a requeue.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span, ok := recording(ctx); ok {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetError 记录错误
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span, ok := recording(ctx); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// InjectHTTP 注入 traceparent 到出站请求头
func InjectHTTP(ctx context.Context, req *http.Request) {
	if req == nil || !enabled.Load() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// streamCarrier adapts redis stream entry values to the otel carrier API.
type streamCarrier map[string]interface{}

func (c streamCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c streamCarrier) Set(key, value string) { c[key] = value }

func (c streamCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectRedisStream 将 span context 写入 Stream 消息字段
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if values == nil || ctx == nil || !enabled.Load() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, streamCarrier(values))
}

// ExtractRedisStream 从 Stream 消息字段恢复远端 span context
func ExtractRedisStream(ctx context.Context, values map[string]interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if values == nil || !enabled.Load() {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, streamCarrier(values))
}
