package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes.
var (
	attrBundleID   = attribute.Key("bundle.id")
	attrAction     = attribute.Key("bundle.action")
	attrSessionID  = attribute.Key("apply.session_id")
	attrCheckpoint = attribute.Key("apply.checkpoint")
	attrActionKind = attribute.Key("action.kind")
	attrPackageID  = attribute.Key("package.id")
	attrRollback   = attribute.Key("action.rollback")
	attrMessage    = attribute.Key("elevation.message")
)

// Tracer produces the plan, apply, action and elevation spans. The span
// tree of one apply is apply > action.* > elevation.* for actions that run
// in the elevated child.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. A disabled tracer still hands out spans so
// callers never branch on configuration; they are simply not exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartPlanSpan covers planning one bundle action.
func (t *Tracer) StartPlanSpan(ctx context.Context, bundleID, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "plan", trace.WithAttributes(
		attrBundleID.String(bundleID),
		attrAction.String(action),
	))
}

// StartApplySpan covers a whole apply session.
func (t *Tracer) StartApplySpan(ctx context.Context, sessionID, bundleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "apply", trace.WithAttributes(
		attrSessionID.String(sessionID),
		attrBundleID.String(bundleID),
	))
}

// StartActionSpan covers one cache, execute or rollback action.
func (t *Tracer) StartActionSpan(ctx context.Context, kind, packageID string, rollback bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "action."+kind, trace.WithAttributes(
		attrActionKind.String(kind),
		attrPackageID.String(packageID),
		attrRollback.Bool(rollback),
	))
}

// StartRPCSpan covers one request to the elevated child.
func (t *Tracer) StartRPCSpan(ctx context.Context, message string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "elevation."+message,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrMessage.String(message)),
	)
}

func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddCheckpointEvent records reaching a rollback checkpoint.
func AddCheckpointEvent(span trace.Span, checkpoint uint32) {
	span.AddEvent("checkpoint", trace.WithAttributes(attrCheckpoint.Int64(int64(checkpoint))))
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
