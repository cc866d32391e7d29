package store

import (
	"context"
	"sync"
	"time"
)

// MemoryOption configures a MemoryStore
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	ttl           time.Duration
	sweepInterval time.Duration
	maxEntries    int
	now           func() time.Time
}

// WithTTL expires entries ttl after they were last stored. Zero keeps them forever.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.ttl = ttl
	}
}

// WithSweepInterval sets how often expired entries are purged
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the store; the oldest entry is evicted when full
func WithMaxEntries(n int) MemoryOption {
	return func(c *memoryConfig) {
		c.maxEntries = n
	}
}

type memoryEntry[T any] struct {
	value   T
	stored  time.Time
	expires time.Time
}

// MemoryStore is an in-memory store with optional entry expiration
type MemoryStore[T any] struct {
	config  memoryConfig
	mu      sync.RWMutex
	entries map[string]memoryEntry[T]
	stop    chan struct{}
	once    sync.Once
	closed  bool
}

// NewMemoryStore creates an in-memory store. With a TTL a background sweeper
// purges expired entries until Close.
func NewMemoryStore[T any](options ...MemoryOption) *MemoryStore[T] {
	config := memoryConfig{
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	for _, opt := range options {
		opt(&config)
	}

	s := &MemoryStore[T]{
		config:  config,
		entries: make(map[string]memoryEntry[T]),
		stop:    make(chan struct{}),
	}
	if config.ttl > 0 && config.sweepInterval > 0 {
		go s.sweep()
	}
	return s
}

// Contains implements Store
func (s *MemoryStore[T]) Contains(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.entries[key]
	return ok && !s.expired(e), nil
}

// Store implements Store
func (s *MemoryStore[T]) Store(_ context.Context, key string, value T) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, exists := s.entries[key]; !exists && s.config.maxEntries > 0 && len(s.entries) >= s.config.maxEntries {
		s.evictOldest()
	}

	now := s.config.now()
	e := memoryEntry[T]{value: value, stored: now}
	if s.config.ttl > 0 {
		e.expires = now.Add(s.config.ttl)
	}
	s.entries[key] = e
	return nil
}

// Retrieve implements Store
func (s *MemoryStore[T]) Retrieve(_ context.Context, key string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if s.closed {
		return zero, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return zero, ErrNotFound
	}
	return e.value, nil
}

// Remove implements Store
func (s *MemoryStore[T]) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// Clear implements Store
func (s *MemoryStore[T]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]memoryEntry[T])
	return nil
}

// Len returns the number of entries, expired ones not yet purged included
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge removes expired entries and returns how many were removed
func (s *MemoryStore[T]) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper and releases the entries
func (s *MemoryStore[T]) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		s.entries = nil
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore[T]) expired(e memoryEntry[T]) bool {
	return !e.expires.IsZero() && !s.config.now().Before(e.expires)
}

func (s *MemoryStore[T]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.stored.Before(oldest) {
			oldestKey, oldest = k, e.stored
		}
	}
	delete(s.entries, oldestKey)
}

func (s *MemoryStore[T]) sweep() {
	ticker := time.NewTicker(s.config.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Purge()
		}
	}
}
