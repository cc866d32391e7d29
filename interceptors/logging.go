package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/params"
	"github.com/glimte/procflow/scheduler"
)

type startKey struct{ owner interface{} }

// markStart records the start of an invocation for the owning interceptor
func markStart(owner interface{}, event *InterceptionEvent) {
	event.Set(startKey{owner}, time.Now())
}

// elapsed returns the time since markStart, or 0 when it was never called
func elapsed(owner interface{}, event *InterceptionEvent) time.Duration {
	v, ok := event.Get(startKey{owner})
	if !ok {
		return 0
	}
	return time.Since(v.(time.Time))
}

// LoggingInterceptor logs step processing
type LoggingInterceptor struct {
	Base
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Before implements Interceptor
func (i *LoggingInterceptor) Before(ctx context.Context, location contracts.Location, _ *params.View, event *InterceptionEvent) error {
	markStart(i, event)
	i.logger.Debug("processing step",
		"location", location.String(),
		"eventId", event.Event().ID(),
		"correlationId", event.CorrelationID(),
		"scheduler", scheduler.NameFromContext(ctx),
	)
	return nil
}

// After implements Interceptor
func (i *LoggingInterceptor) After(ctx context.Context, location contracts.Location, event *InterceptionEvent, thrown error) error {
	duration := elapsed(i, event)

	if thrown != nil {
		i.logger.Error("step processing failed",
			"location", location.String(),
			"correlationId", event.CorrelationID(),
			"duration", duration,
			"error", thrown,
		)
	} else {
		i.logger.Info("step processed successfully",
			"location", location.String(),
			"correlationId", event.CorrelationID(),
			"duration", duration,
		)
	}

	return nil
}
