package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory ledger for demo/development
// mode. State lives for the process lifetime only.
type MemoryStore struct {
	entries map[string]*Entry
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, paymentID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, paymentID string) (bool, *Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[paymentID]; ok {
		cp := *existing
		return false, &cp, nil
	}

	e := &Entry{
		PaymentID: paymentID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.entries[paymentID] = e
	cp := *e
	return true, &cp, nil
}

func (m *MemoryStore) Commit(ctx context.Context, paymentID, settlementRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[paymentID]
	if !ok {
		return ErrNotFound
	}
	if e.Status == StatusSettled {
		return ErrAlreadySettled
	}

	now := time.Now().UTC()
	e.Status = StatusSettled
	e.SettlementRef = settlementRef
	e.SettledAt = &now
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[paymentID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusPending {
		return ErrNotPending
	}

	delete(m.entries, paymentID)
	return nil
}
