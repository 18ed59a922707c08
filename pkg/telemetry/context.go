package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process. It travels in the context so engine packages can reach it
// without taking it as a dependency.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the telemetry in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains events, then flushes spans. The metrics server keeps
// serving until the process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// applyKey is the context key for the apply span and timer.
type applyKey struct{}

type applyState struct {
	span  trace.Span
	timer *Timer
}

// WithApplyContext starts the telemetry of an apply session: span, logger
// fields, metrics and the started event.
func WithApplyContext(ctx context.Context, sessionID, bundleID, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartApplySpan(ctx, sessionID, bundleID)

	logger := tel.Logger.WithSessionID(sessionID).WithField("bundle_id", bundleID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordApplyStarted(action)
	_ = tel.Events.PublishApplyStarted(sessionID, bundleID, action)

	return context.WithValue(spanCtx, applyKey{}, &applyState{span: span, timer: NewTimer()})
}

// EndApplyContext completes the apply telemetry started by WithApplyContext.
func EndApplyContext(ctx context.Context, sessionID, restart string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if st, ok := ctx.Value(applyKey{}).(*applyState); ok {
		if err != nil {
			RecordError(st.span, err)
		} else {
			RecordSuccess(st.span)
		}
		st.span.End()
		duration = st.timer.Duration()
	}

	status := "success"
	if err != nil {
		status = "failed"
	}
	tel.Metrics.RecordApplyCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishApplyFailed(sessionID, err.Error())
	} else {
		_ = tel.Events.PublishApplyCompleted(sessionID, restart, duration)
	}
}

// RecordAction runs fn inside an action span and records its metrics.
func RecordAction(ctx context.Context, kind, packageID string, rollback bool, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartActionSpan(ctx, kind, packageID, rollback)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		status := "success"
		if err != nil {
			status = "failed"
			RecordError(span, err)
			FromContext(ctx).WithError(err).WithFields(map[string]any{
				"kind":       kind,
				"package_id": packageID,
				"rollback":   rollback,
				"trace_id":   TraceID(ctx),
			}).Debug("Action failed")
		} else {
			RecordSuccess(span)
		}
		tel.Metrics.RecordAction(kind, status, timer.Duration())
	}

	return err
}

// RecordRPC runs fn inside an elevation span and records its metrics.
func RecordRPC(ctx context.Context, message string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartRPCSpan(ctx, message)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordRPC(message, timer.Duration())
		if err != nil {
			tel.Metrics.RecordRPCError(message, errorClass(err))
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}

// classified is satisfied by errors that carry an error class.
type classified interface {
	ErrorClass() string
}

func errorClass(err error) string {
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return "unclassified"
}
