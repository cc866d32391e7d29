package rabbitmq

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/procflow/internal/reliability"
)

// Channel is the subset of *amqp.Channel used by the transport
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection used by the manager
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the broker connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the reconnection backoff
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, negative for unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           dialAMQP,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxDelay:       5 * time.Minute,
		maxRetries:     -1,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}
	if cm.logger == nil {
		cm.logger = slog.Default()
	}

	return cm
}

// Connect establishes the initial connection, retrying with backoff until
// the retry budget or ctx runs out
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()
	if closed {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrManagerClosed, Timestamp: time.Now()}
	}
	if connected {
		return nil
	}
	return cm.connect(ctx, "connect", nil)
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) retryPolicy() reliability.RetryPolicy {
	retries := cm.maxRetries
	if retries < 0 {
		retries = math.MaxInt
	}
	return reliability.NewExponentialBackoff(cm.reconnectDelay, cm.maxDelay, 2.0, retries)
}

func (cm *ConnectionManager) connect(ctx context.Context, op string, onAttempt func(attempt int)) error {
	// stop retrying once the manager is closed
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	err := reliability.Retry(ctx, op, cm.retryPolicy(), func(ctx context.Context) error {
		attempts++
		if onAttempt != nil {
			onAttempt(attempts)
		}
		conn, err := cm.dialContext(ctx)
		if err != nil {
			cm.logger.Warn("broker dial failed", "op", op, "attempt", attempts, "error", err)
			return err
		}
		return cm.install(conn)
	})
	if err != nil {
		return &ConnectionError{
			Op:        op,
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url), "attempts", attempts)
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	type result struct {
		conn Connection
		err  error
	}
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	results := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		// close a connection that arrives after we gave up
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

func (cm *ConnectionManager) install(conn Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		_ = conn.Close()
		return reliability.RetryableError{Err: ErrManagerClosed, Retryable: false}
	}
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
	return nil
}

// watch reconnects when the broker closes the connection
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.logger.Error("broker connection closed", "error", err)
		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })

		reconnectErr := cm.connect(context.Background(), "reconnect", func(attempt int) {
			cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })
		})
		if reconnectErr != nil {
			cm.logger.Error("giving up reconnecting", "error", reconnectErr)
			cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(reconnectErr) })
		}

	case <-cm.done:
	}
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go fn(listener)
	}
}

// DeclareQueue declares a durable queue on ch
func DeclareQueue(ch Channel, name string, args amqp.Table) error {
	if name == "" {
		return ErrInvalidConfiguration
	}
	_, err := ch.QueueDeclare(name, true, false, false, false, args)
	return err
}
