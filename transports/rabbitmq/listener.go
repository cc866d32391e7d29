package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/internal/rabbitmq"
	"github.com/glimte/procflow/internal/reliability"
	"github.com/glimte/procflow/redelivery"
)

// ErrListenerRunning is returned when Run is called twice
var ErrListenerRunning = errors.New("rabbitmq: listener already running")

// Settlement is what a listener does with a delivery once processed
type Settlement int

const (
	// Ack acknowledges the delivery
	Ack Settlement = iota
	// Requeue returns the delivery to the queue for another attempt
	Requeue
	// Reject drops the delivery, dead-lettering it when the queue has a DLX
	Reject
)

func (s Settlement) String() string {
	switch s {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// SettleFunc decides how a delivery is settled from its processing error
type SettleFunc func(err error) Settlement

// DefaultSettle acks successes. Exhausted redeliveries, duplicates and
// errors marked non-retryable are rejected. Everything else is requeued so
// the redelivery policy can count it.
func DefaultSettle(err error) Settlement {
	if err == nil {
		return Ack
	}
	var exhausted *redelivery.RedeliveryExhaustedError
	var duplicate *redelivery.DuplicateMessageError
	if errors.As(err, &exhausted) || errors.As(err, &duplicate) || !reliability.IsRetryableError(err) {
		return Reject
	}
	return Requeue
}

// ListenerConfig configures a Listener
type ListenerConfig struct {
	ConsumerTag    string
	PrefetchCount  int
	Concurrency    int
	DeclareQueue   bool
	QueueArgs      amqp.Table
	ProcessTimeout time.Duration
	Settle         SettleFunc
	Logger         *slog.Logger
}

// ListenerOption configures a Listener
type ListenerOption func(*ListenerConfig)

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ListenerOption {
	return func(c *ListenerConfig) {
		c.ConsumerTag = tag
	}
}

// WithPrefetchCount sets the channel prefetch
func WithPrefetchCount(n int) ListenerOption {
	return func(c *ListenerConfig) {
		c.PrefetchCount = n
	}
}

// WithConcurrency sets how many deliveries are processed at once
func WithConcurrency(n int) ListenerOption {
	return func(c *ListenerConfig) {
		c.Concurrency = n
	}
}

// WithQueueDeclaration declares the queue, with args, before consuming
func WithQueueDeclaration(args amqp.Table) ListenerOption {
	return func(c *ListenerConfig) {
		c.DeclareQueue = true
		c.QueueArgs = args
	}
}

// WithProcessTimeout bounds the processing of one delivery
func WithProcessTimeout(d time.Duration) ListenerOption {
	return func(c *ListenerConfig) {
		c.ProcessTimeout = d
	}
}

// WithSettle replaces DefaultSettle
func WithSettle(fn SettleFunc) ListenerOption {
	return func(c *ListenerConfig) {
		c.Settle = fn
	}
}

// WithListenerLogger sets the logger
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(c *ListenerConfig) {
		c.Logger = logger
	}
}

// Listener consumes a queue through a processor
type Listener struct {
	source    ChannelSource
	queue     string
	processor contracts.Processor
	config    ListenerConfig
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewListener creates a listener feeding queue into processor
func NewListener(source ChannelSource, queue string, processor contracts.Processor, options ...ListenerOption) (*Listener, error) {
	config := ListenerConfig{
		PrefetchCount:  10,
		Concurrency:    1,
		ProcessTimeout: 30 * time.Second,
		Settle:         DefaultSettle,
	}
	for _, opt := range options {
		opt(&config)
	}
	switch {
	case source == nil:
		return nil, fmt.Errorf("listener: %w: nil channel source", rabbitmq.ErrInvalidConfiguration)
	case queue == "":
		return nil, fmt.Errorf("listener: %w: queue required", rabbitmq.ErrInvalidConfiguration)
	case processor == nil:
		return nil, fmt.Errorf("listener %s: %w: nil processor", queue, rabbitmq.ErrInvalidConfiguration)
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PrefetchCount < config.Concurrency {
		config.PrefetchCount = config.Concurrency
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		source:    source,
		queue:     queue,
		processor: processor,
		config:    config,
		logger:    logger.With("queue", queue),
	}, nil
}

// Run consumes until ctx is done or the broker closes the delivery stream.
// Deliveries in flight are settled before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrListenerRunning
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	ch, deliveries, err := l.subscribe()
	if err != nil {
		return err
	}
	defer ch.Close()

	l.logger.Info("listening",
		"consumerTag", l.config.ConsumerTag,
		"prefetchCount", l.config.PrefetchCount,
		"concurrency", l.config.Concurrency,
	)

	g := new(errgroup.Group)
	g.SetLimit(l.config.Concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			if l.config.ConsumerTag != "" {
				_ = ch.Cancel(l.config.ConsumerTag, false)
			}
			l.logger.Info("listener stopped")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return &rabbitmq.ConsumerError{
					Queue:       l.queue,
					ConsumerTag: l.config.ConsumerTag,
					Op:          "consume",
					Err:         rabbitmq.ErrChannelClosed,
				}
			}
			g.Go(func() error {
				l.handle(ctx, d)
				return nil
			})
		}
	}
}

func (l *Listener) subscribe() (rabbitmq.Channel, <-chan amqp.Delivery, error) {
	fail := func(op string, err error) error {
		return &rabbitmq.ConsumerError{Queue: l.queue, ConsumerTag: l.config.ConsumerTag, Op: op, Err: err}
	}

	ch, err := l.source.Channel()
	if err != nil {
		return nil, nil, fail("open channel", err)
	}
	if l.config.DeclareQueue {
		if err := rabbitmq.DeclareQueue(ch, l.queue, l.config.QueueArgs); err != nil {
			ch.Close()
			return nil, nil, fail("declare queue", err)
		}
	}
	if err := ch.Qos(l.config.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, fail("qos", err)
	}
	deliveries, err := ch.Consume(l.queue, l.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fail("consume", err)
	}
	return ch, deliveries, nil
}

// handle processes one delivery and settles it
func (l *Listener) handle(ctx context.Context, d amqp.Delivery) {
	event := eventFromDelivery(d)

	// settle even when the listener is stopping
	processCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.ProcessTimeout)
	defer cancel()

	err := l.process(processCtx, event)
	settlement := l.config.Settle(err)

	var settleErr error
	switch settlement {
	case Ack:
		settleErr = d.Ack(false)
	case Requeue:
		settleErr = d.Nack(false, true)
	default:
		settleErr = d.Nack(false, false)
	}

	if err != nil {
		l.logger.Warn("delivery failed",
			"correlationId", event.CorrelationID(),
			"messageId", d.MessageId,
			"settlement", settlement.String(),
			"error", err,
		)
	}
	if settleErr != nil {
		l.logger.Error("failed to settle delivery",
			"settlement", settlement.String(),
			"deliveryTag", d.DeliveryTag,
			"error", settleErr,
		)
	}
}

func (l *Listener) process(ctx context.Context, event *contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s: panic: %v", l.queue, r)
		}
	}()
	_, err = l.processor.Process(ctx, event)
	return err
}
