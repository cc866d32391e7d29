// Package interceptors wraps pipeline steps with before, around and after hooks.
//
// A Chain composes the interceptors whose factories apply to a step's location
// around that step. For interceptors [A, B] wrapping step T an invocation runs:
//
//	A.Before, B.Before, A.Around, B.Around, T, B.After, A.After
//
// Around decides through its Action whether to Proceed to the next level, Skip
// the inner levels and the step, or Fail. After runs, innermost first, for every
// interceptor whose Before ran, including one whose Before failed. Failures from
// any hook or the step surface as a single *PipelineError.
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs step processing with timing information
//   - MetricsInterceptor: Prometheus counters and histograms per location
//   - TracingInterceptor: OpenTelemetry span around the step
//   - RateLimitInterceptor: Fails or waits when a rate limit is exceeded
//   - CircuitBreakerInterceptor: Fails fast while a circuit is open
//   - FilteringInterceptor: Skips the step for rejected events
//   - ShortCircuitInterceptor: Answers in place of the step
//   - CachingInterceptor: Answers from a message store
//
// Example usage:
//
//	manager := interceptors.NewManagerBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithRateLimit(rate.Limit(100), 10, interceptors.Include("orders/**")).
//		Build()
//
//	chain, err := manager.Wrap(step)
//	if err != nil {
//		return err
//	}
//	out, err := chain.Process(ctx, event)
//
// Custom interceptors embed Base and override the hooks they need:
//
//	type AuditInterceptor struct {
//		interceptors.Base
//	}
//
//	func (i *AuditInterceptor) After(ctx context.Context, loc contracts.Location, event *interceptors.InterceptionEvent, thrown error) error {
//		// record the outcome
//		return nil
//	}
package interceptors
