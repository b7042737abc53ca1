package paymentwatch

import (
	"context"
	"sync"
)

// Registry guards against two live watch sessions for the same order.
type Registry interface {
	// Acquire returns false when a session for orderID is already in flight.
	Acquire(ctx context.Context, orderID int64) (bool, error)
	Release(ctx context.Context, orderID int64) error
}

// MemoryRegistry is the in-process registry used by default
type MemoryRegistry struct {
	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{inFlight: make(map[int64]struct{})}
}

func (r *MemoryRegistry) Acquire(_ context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[orderID]; ok {
		return false, nil
	}
	r.inFlight[orderID] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Release(_ context.Context, orderID int64) error {
	r.mu.Lock()
	delete(r.inFlight, orderID)
	r.mu.Unlock()
	return nil
}
