// Package observability provides OpenTelemetry tracing and metrics for the
// poltr AppView, following cloud-native best practices.
//
// # Tracing
//
// Initialize tracing at application startup:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "poltr-appview",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//	})
//	defer p.Shutdown(ctx)
//
// Create spans around outbound PDS/Directory/Relay calls:
//
//	ctx, span := p.StartSpan(ctx, "pdsclient.createSession")
//	defer span.End()
//
// # Metrics
//
// Track an operation end to end, recording RED metrics automatically:
//
//	ctx, done := p.TrackOperation(ctx, "crosspost.tick")
//	defer func() { done(err) }()
package observability
