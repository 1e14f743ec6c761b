package dialer

import (
	"context"
	"sync"

	"github.com/acme/power-dialer/internal/domain"
)

// LegRegistry indexes provider call session ids to the run and leg they belong to.
// It is a lookup aid only; the run store stays authoritative.
type LegRegistry interface {
	Register(ctx context.Context, callSessionID string, ref domain.LegRef) error
	Resolve(ctx context.Context, callSessionID string) (domain.LegRef, bool, error)
	SessionOf(ctx context.Context, ref domain.LegRef) (string, bool, error)
	Remove(ctx context.Context, callSessionID string) error
}

// MemoryRegistry is a process-local LegRegistry.
type MemoryRegistry struct {
	mu        sync.RWMutex
	bySession map[string]domain.LegRef
	byLeg     map[domain.LegRef]string
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		bySession: make(map[string]domain.LegRef),
		byLeg:     make(map[domain.LegRef]string),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, callSessionID string, ref domain.LegRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byLeg[ref]; ok && old != callSessionID {
		delete(r.bySession, old)
	}
	r.bySession[callSessionID] = ref
	r.byLeg[ref] = callSessionID
	return nil
}

func (r *MemoryRegistry) Resolve(_ context.Context, callSessionID string) (domain.LegRef, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.bySession[callSessionID]
	return ref, ok, nil
}

func (r *MemoryRegistry) SessionOf(_ context.Context, ref domain.LegRef) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byLeg[ref]
	return id, ok, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, callSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.bySession[callSessionID]; ok {
		delete(r.byLeg, ref)
	}
	delete(r.bySession, callSessionID)
	return nil
}

// Len reports the number of indexed sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
