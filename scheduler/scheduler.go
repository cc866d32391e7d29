package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/procflow/future"
)

var (
	// ErrStopped is returned when submitting to a stopped scheduler
	ErrStopped = errors.New("scheduler stopped")
	// ErrQueueFull is returned when a pool cannot accept more tasks
	ErrQueueFull = errors.New("scheduler queue full")
)

// Task is a unit of work run by a scheduler
type Task func(ctx context.Context)

// Scheduler runs tasks on a named group of goroutines. Tasks observe the
// scheduler they run on through FromContext.
type Scheduler interface {
	Name() string
	Submit(ctx context.Context, task Task) error
}

type contextKey struct{}

// WithScheduler returns a context labelled with s
func WithScheduler(ctx context.Context, s Scheduler) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// WithoutScheduler returns a context carrying no scheduler label, for work
// continuing on a goroutine no scheduler owns
func WithoutScheduler(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, nil)
}

// FromContext returns the scheduler ctx is running on, or nil
func FromContext(ctx context.Context) Scheduler {
	s, _ := ctx.Value(contextKey{}).(Scheduler)
	return s
}

// NameFromContext returns the name of the scheduler ctx is running on, or ""
func NameFromContext(ctx context.Context) string {
	if s := FromContext(ctx); s != nil {
		return s.Name()
	}
	return ""
}

// Run submits fn to s and returns a future with its result. A nil scheduler
// runs fn on the calling goroutine.
func Run[T any](ctx context.Context, s Scheduler, fn func(ctx context.Context) (T, error)) *future.Future[T] {
	f := future.New[T]()
	task := func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(future.AsError(r))
			}
		}()
		f.Resolve(fn(ctx))
	}
	if s == nil {
		task(ctx)
		return f
	}
	if err := s.Submit(ctx, task); err != nil {
		f.Fail(fmt.Errorf("submit to %s: %w", s.Name(), err))
	}
	return f
}

// Immediate runs each task on the submitting goroutine
type Immediate struct {
	name string
}

// NewImmediate creates an inline scheduler
func NewImmediate(name string) *Immediate {
	return &Immediate{name: name}
}

// Name implements Scheduler
func (s *Immediate) Name() string {
	return s.name
}

// Submit implements Scheduler
func (s *Immediate) Submit(ctx context.Context, task Task) error {
	task(WithScheduler(ctx, s))
	return nil
}

// PoolConfig configures a worker pool
type PoolConfig struct {
	Workers   int
	QueueSize int
	// Block makes Submit wait for queue space instead of failing with ErrQueueFull
	Block  bool
	Logger *slog.Logger
}

// PoolOption configures a Pool
type PoolOption func(*PoolConfig)

// WithWorkers sets the number of worker goroutines
func WithWorkers(n int) PoolOption {
	return func(c *PoolConfig) {
		c.Workers = n
	}
}

// WithQueueSize sets the task queue capacity
func WithQueueSize(n int) PoolOption {
	return func(c *PoolConfig) {
		c.QueueSize = n
	}
}

// WithBlockingSubmit makes Submit wait for queue space
func WithBlockingSubmit() PoolOption {
	return func(c *PoolConfig) {
		c.Block = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PoolOption {
	return func(c *PoolConfig) {
		c.Logger = logger
	}
}

type submission struct {
	ctx  context.Context
	task Task
}

// Pool is a fixed-size worker pool scheduler
type Pool struct {
	name     string
	config   PoolConfig
	logger   *slog.Logger
	tasks    chan submission
	quit     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewPool starts a pool of workers named name
func NewPool(name string, options ...PoolOption) *Pool {
	config := PoolConfig{
		Workers:   1,
		QueueSize: 256,
	}
	for _, opt := range options {
		opt(&config)
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		name:   name,
		config: config,
		logger: logger.With("scheduler", name),
		tasks:  make(chan submission, config.QueueSize),
		quit:   make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Name implements Scheduler
func (p *Pool) Name() string {
	return p.name
}

// Submit implements Scheduler
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}

	s := submission{ctx: ctx, task: task}
	if !p.config.Block {
		select {
		case p.tasks <- s:
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case p.tasks <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop stops accepting tasks, drains the queue and waits for the workers.
// It must not be called from a task running on the pool.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		// release blocked submitters before taking the write lock
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for s := range p.tasks {
		p.run(s)
	}
}

func (p *Pool) run(s submission) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "error", future.AsError(r))
		}
	}()
	s.task(WithScheduler(s.ctx, p))
}
