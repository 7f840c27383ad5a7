// Package observability provides the gateway's OpenTelemetry tracing and
// RED-metrics (Rate, Errors, Duration) instrumentation.
//
// Initialize once at startup:
//
//	provider, err := observability.New(ctx, observability.DefaultConfig())
//	defer provider.Shutdown(ctx)
//
// Wrap an operation:
//
//	ctx, done := provider.TrackOperation(ctx, "gateway.evaluate",
//		observability.AttrActionType.String(string(action.Type)))
//	decision, err := engine.Evaluate(ctx, req, now)
//	done(err)
package observability
