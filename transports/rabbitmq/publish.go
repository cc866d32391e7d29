package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/internal/rabbitmq"
	"github.com/glimte/procflow/internal/reliability"
)

// ChannelSource opens broker channels. *rabbitmq.ConnectionManager is the
// production source.
type ChannelSource interface {
	Channel() (rabbitmq.Channel, error)
}

// PublishConfig configures a PublishStep
type PublishConfig struct {
	Exchange       string
	RoutingKey     string
	Persistent     bool
	Mandatory      bool
	PublishTimeout time.Duration
	Breaker        *reliability.CircuitBreaker
	Logger         *slog.Logger
}

// PublishOption configures a PublishStep
type PublishOption func(*PublishConfig)

// WithExchange sets the target exchange, "" for the default exchange
func WithExchange(exchange string) PublishOption {
	return func(c *PublishConfig) {
		c.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(key string) PublishOption {
	return func(c *PublishConfig) {
		c.RoutingKey = key
	}
}

// WithTransient publishes non-persistent messages
func WithTransient() PublishOption {
	return func(c *PublishConfig) {
		c.Persistent = false
	}
}

// WithMandatory sets the mandatory flag
func WithMandatory(mandatory bool) PublishOption {
	return func(c *PublishConfig) {
		c.Mandatory = mandatory
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) PublishOption {
	return func(c *PublishConfig) {
		c.PublishTimeout = timeout
	}
}

// WithCircuitBreaker stops publishing while the broker keeps failing
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublishOption {
	return func(c *PublishConfig) {
		c.Breaker = cb
	}
}

// WithPublishLogger sets the logger
func WithPublishLogger(logger *slog.Logger) PublishOption {
	return func(c *PublishConfig) {
		c.Logger = logger
	}
}

// PublishStep publishes the payload of each event and passes the event on
// unchanged
type PublishStep struct {
	location contracts.Location
	source   ChannelSource
	config   PublishConfig
	logger   *slog.Logger

	mu sync.Mutex
	ch rabbitmq.Channel
}

// NewPublishStep creates a publishing step at location
func NewPublishStep(location contracts.Location, source ChannelSource, options ...PublishOption) (*PublishStep, error) {
	config := PublishConfig{
		Persistent:     true,
		PublishTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(&config)
	}
	if source == nil {
		return nil, fmt.Errorf("publish %s: %w: nil channel source", location, rabbitmq.ErrInvalidConfiguration)
	}
	if config.Exchange == "" && config.RoutingKey == "" {
		return nil, fmt.Errorf("publish %s: %w: exchange or routing key required", location, rabbitmq.ErrInvalidConfiguration)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PublishStep{
		location: location,
		source:   source,
		config:   config,
		logger:   logger.With("location", location.String()),
	}, nil
}

// Location implements contracts.Component
func (s *PublishStep) Location() contracts.Location {
	return s.location
}

// ProcessingType implements contracts.Step
func (s *PublishStep) ProcessingType() contracts.ProcessingType {
	return contracts.ProcessingIO
}

// Process implements contracts.Processor
func (s *PublishStep) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	msg := event.Message()
	body, contentType, err := encodeBody(msg.Payload, msg.MediaType)
	if err != nil {
		return nil, err
	}

	publishing := amqp.Publishing{
		ContentType:   contentType,
		Body:          body,
		MessageId:     event.ID(),
		CorrelationId: event.CorrelationID(),
		Timestamp:     event.Timestamp(),
		Headers:       headersFrom(msg),
	}
	if s.config.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	if cb := s.config.Breaker; cb != nil {
		err = cb.Execute(ctx, func(ctx context.Context) error {
			return s.publish(ctx, publishing)
		})
	} else {
		err = s.publish(ctx, publishing)
	}
	if err != nil {
		s.logger.Warn("publish failed",
			"exchange", s.config.Exchange,
			"routingKey", s.config.RoutingKey,
			"correlationId", event.CorrelationID(),
			"error", err,
		)
		return nil, err
	}
	return event, nil
}

func (s *PublishStep) publish(ctx context.Context, publishing amqp.Publishing) error {
	ch, err := s.channel()
	if err != nil {
		return &rabbitmq.PublishError{Exchange: s.config.Exchange, RoutingKey: s.config.RoutingKey, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, s.config.Exchange, s.config.RoutingKey, s.config.Mandatory, false, publishing)
	if err != nil {
		// a failed publish usually means the channel is gone
		s.discard(ch)
		return &rabbitmq.PublishError{Exchange: s.config.Exchange, RoutingKey: s.config.RoutingKey, Err: err}
	}
	return nil
}

func (s *PublishStep) channel() (rabbitmq.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return s.ch, nil
	}
	ch, err := s.source.Channel()
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return ch, nil
}

func (s *PublishStep) discard(ch rabbitmq.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == ch {
		s.ch = nil
		_ = ch.Close()
	}
}

// Close closes the publishing channel
func (s *PublishStep) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}
