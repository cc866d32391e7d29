package contracts

import (
	"context"
	"strings"

	"github.com/glimte/procflow/future"
)

// Location identifies a step inside a pipeline, e.g. "orders/processors/2"
type Location string

// Root returns the name of the root container (the first path segment)
func (l Location) Root() string {
	root, _, _ := strings.Cut(string(l), "/")
	return root
}

// Child returns a location nested under l
func (l Location) Child(part string) Location {
	if l == "" {
		return Location(part)
	}
	return Location(string(l) + "/" + part)
}

// String implements fmt.Stringer
func (l Location) String() string {
	return string(l)
}

// ProcessingType hints how a step uses the goroutine it runs on
type ProcessingType int

const (
	// ProcessingCPULite is the default: short, non-blocking work
	ProcessingCPULite ProcessingType = iota
	// ProcessingCPULiteAsync completes on another scheduler
	ProcessingCPULiteAsync
	// ProcessingBlocking may block the calling goroutine
	ProcessingBlocking
	// ProcessingIO performs blocking I/O
	ProcessingIO
	// ProcessingCPUIntensive is long-running computation
	ProcessingCPUIntensive
)

func (p ProcessingType) String() string {
	switch p {
	case ProcessingCPULite:
		return "CPU_LITE"
	case ProcessingCPULiteAsync:
		return "CPU_LITE_ASYNC"
	case ProcessingBlocking:
		return "BLOCKING"
	case ProcessingIO:
		return "IO_RW"
	case ProcessingCPUIntensive:
		return "CPU_INTENSIVE"
	default:
		return "UNKNOWN"
	}
}

// IsBlocking reports whether the step should be moved off cpu-lite schedulers
func (p ProcessingType) IsBlocking() bool {
	return p == ProcessingBlocking || p == ProcessingIO
}

// Processor transforms an event
type Processor interface {
	Process(ctx context.Context, event *Event) (*Event, error)
}

// ProcessorFunc is a function adapter for Processor
type ProcessorFunc func(ctx context.Context, event *Event) (*Event, error)

// Process implements Processor
func (f ProcessorFunc) Process(ctx context.Context, event *Event) (*Event, error) {
	return f(ctx, event)
}

// AsyncProcessor is a processor that may complete on another goroutine
type AsyncProcessor interface {
	Processor
	ProcessAsync(ctx context.Context, event *Event) *future.Future[*Event]
}

// Component is anything with a location in a pipeline
type Component interface {
	Location() Location
}

// Step is a processor registered at a pipeline location
type Step interface {
	Processor
	Component
	ProcessingType() ProcessingType
}

// Parameterized is implemented by steps declaring parameters.
// Values are literals or "#[expression]" strings resolved against the event.
type Parameterized interface {
	Parameters() map[string]string
}

// ErrorCallbackRegistrar is implemented by composed steps accepting a
// component-level error callback
type ErrorCallbackRegistrar interface {
	OnError(func(ctx context.Context, err error))
}

// FuncStep adapts a function into a Step
type FuncStep struct {
	location       Location
	fn             ProcessorFunc
	processingType ProcessingType
	parameters     map[string]string
}

// StepOption configures a FuncStep
type StepOption func(*FuncStep)

// WithProcessingType sets the processing type hint of the step
func WithProcessingType(p ProcessingType) StepOption {
	return func(s *FuncStep) {
		s.processingType = p
	}
}

// WithParameters declares the step parameters
func WithParameters(params map[string]string) StepOption {
	return func(s *FuncStep) {
		for k, v := range params {
			s.parameters[k] = v
		}
	}
}

// NewStep creates a step at location running fn
func NewStep(location Location, fn ProcessorFunc, options ...StepOption) *FuncStep {
	s := &FuncStep{
		location:       location,
		fn:             fn,
		processingType: ProcessingCPULite,
		parameters:     make(map[string]string),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Process implements Processor
func (s *FuncStep) Process(ctx context.Context, event *Event) (*Event, error) {
	return s.fn(ctx, event)
}

// Location implements Component
func (s *FuncStep) Location() Location {
	return s.location
}

// ProcessingType implements Step
func (s *FuncStep) ProcessingType() ProcessingType {
	return s.processingType
}

// Parameters implements Parameterized
func (s *FuncStep) Parameters() map[string]string {
	out := make(map[string]string, len(s.parameters))
	for k, v := range s.parameters {
		out[k] = v
	}
	return out
}

// Invoke runs a processor, preferring the asynchronous path when available.
// A panic raised by the processor fails the returned future.
func Invoke(ctx context.Context, p Processor, event *Event) (f *future.Future[*Event]) {
	defer func() {
		if r := recover(); r != nil {
			f = future.Failed[*Event](future.AsError(r))
		}
	}()
	if ap, ok := p.(AsyncProcessor); ok {
		f = ap.ProcessAsync(ctx, event)
		if f == nil {
			f = future.Failed[*Event](ErrNilFuture)
		}
		return f
	}
	result, err := p.Process(ctx, event)
	if err != nil {
		return future.Failed[*Event](err)
	}
	if result == nil {
		result = event
	}
	return future.Completed(result)
}
