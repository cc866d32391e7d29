// Package reliability provides the failure-handling primitives shared by the
// interceptors, the redelivery policy and the AMQP transport.
//
//   - CircuitBreaker: rejects calls while a protected resource keeps failing
//   - Retry policies: exponential backoff and fixed delay for reconnects and
//     publisher confirms
//   - KeyedLock: a lock per message identity, released when unused
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithSuccessThreshold(3),
//	    reliability.WithTimeout(30*time.Second),
//	)
//
//	if err := cb.Allow(); err != nil {
//	    return err
//	}
//	err := riskyOperation()
//	cb.Record(err)
package reliability
