// Package telemetry provides logging, tracing, metrics and events for the
// Burn engine.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - component loggers on zerolog
//  2. Distributed Tracing - OpenTelemetry spans for planning, apply
//     sessions, plan actions and elevated requests
//  3. Metrics Collection - Prometheus counters and histograms
//  4. Event Publishing - apply progress events for the CLI and audit
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithApplyContext(ctx, sessionID, bundleID, "install")
//	defer telemetry.EndApplyContext(ctx, sessionID, restart, err)
//
// Actions and elevated requests are wrapped so their span, duration and
// outcome are recorded in one place:
//
//	err := telemetry.RecordAction(ctx, "msi-package", pkgID, false, func(ctx context.Context) error {
//	    return executor.ExecutePackage(ctx, req, progress)
//	})
//
// # Logging Conventions
//
// Components log through NewComponentLogger ("planner", "apply",
// "elevation", "pipe", "store"). Apply logs carry session_id and, per
// action, package_id. Lines relayed from the elevated process carry
// origin=elevated.
//
// # Metrics
//
// All metrics live in the configured namespace (default "burn"):
//
//   - applies_started_total, applies_completed_total, apply_duration_seconds,
//     active_applies
//   - planned_actions_total{list}
//   - actions_executed_total{kind,status}, action_duration_seconds{kind}
//   - rollbacks_total{transaction}
//   - elevation_requests_total{message}, elevation_request_duration_seconds,
//     elevation_errors_total{message,class}
//   - pipe_handshakes_total{result}
//
// A nil *Metrics or a disabled configuration turns every recorder into a
// no-op.
package telemetry
