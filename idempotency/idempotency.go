// Package idempotency provides an idempotency key store for payment requests.
// Use it when a client may retry a request and the payment must be created
// only once.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Errors
var (
	// ErrDuplicateKey is returned when the key has already been claimed
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key: request already submitted")

	// ErrKeyNotFound is returned when looking up a non-existent key
	ErrKeyNotFound = fmt.Errorf("idempotency key not found")
)

// Status represents the state of an idempotent request
type Status int

const (
	StatusPending   Status = iota // Claimed, payment not created yet
	StatusCompleted               // Payment created, PaymentID is set
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Record stores information about an idempotent request
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	PaymentID string    `json:"payment_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides storage for idempotency keys.
// Implementations MUST be safe for concurrent use.
type Store interface {
	// Claim atomically creates a pending record for key. If the key exists,
	// the existing record is returned together with ErrDuplicateKey.
	Claim(ctx context.Context, key string) (*Record, error)

	// Complete attaches the created payment id to a claimed key
	Complete(ctx context.Context, key, paymentID string) error

	// Release forgets a claim whose request failed before a payment existed
	Release(ctx context.Context, key string) error

	// Get retrieves an existing record by key
	Get(ctx context.Context, key string) (*Record, error)
}

// InMemoryStore is a simple in-memory implementation of Store
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	// TTL for records (0 means no expiration)
	ttl time.Duration

	// stopChan is used to signal the cleanup goroutine to stop
	stopChan chan struct{}
	// stopped indicates if the store has been stopped
	stopped bool
}

// NewInMemoryStore creates a new in-memory idempotency store
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	store := &InMemoryStore{
		records:  make(map[string]*Record),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go store.cleanupLoop()
	}

	return store
}

// Stop stops the cleanup goroutine
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

func (s *InMemoryStore) expired(r *Record) bool {
	return s.ttl > 0 && time.Since(r.CreatedAt) > s.ttl
}

// Claim creates a pending record, returning ErrDuplicateKey if key exists
func (s *InMemoryStore) Claim(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.records[key]; exists && !s.expired(existing) {
		cp := *existing
		return &cp, ErrDuplicateKey
	}

	now := time.Now()
	record := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = record

	cp := *record
	return &cp, nil
}

// Complete marks the key as completed with paymentID
func (s *InMemoryStore) Complete(_ context.Context, key, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[key]
	if !exists || s.expired(record) {
		return ErrKeyNotFound
	}
	record.Status = StatusCompleted
	record.PaymentID = paymentID
	record.UpdatedAt = time.Now()
	return nil
}

// Release removes the record for key
func (s *InMemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// Get retrieves an existing record by key
func (s *InMemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists || s.expired(record) {
		return nil, ErrKeyNotFound
	}
	cp := *record
	return &cp, nil
}

// cleanupLoop periodically removes expired records
func (s *InMemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, record := range s.records {
		if s.expired(record) {
			delete(s.records, key)
		}
	}
}

// Size returns the number of records in the store
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
