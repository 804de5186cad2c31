package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	byOrder map[string]*Payment
	byToken map[string]string // token → commerceOrder
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder: make(map[string]*Payment),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Token != "" {
		if order, ok := m.byToken[p.Token]; ok && order != p.CommerceOrder {
			return ErrDuplicateToken
		}
	}

	existing, ok := m.byOrder[p.CommerceOrder]
	if !ok {
		m.nextID++
		cp := *p
		cp.ID = m.nextID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		m.byOrder[cp.CommerceOrder] = &cp
		if cp.Token != "" {
			m.byToken[cp.Token] = cp.CommerceOrder
		}
		*p = cp
		return nil
	}

	existing.Status = p.Status
	existing.Amount = p.Amount
	// Token is assigned at most once; an empty incoming token never clears it.
	if p.Token != "" && existing.Token == "" {
		existing.Token = p.Token
		m.byToken[p.Token] = existing.CommerceOrder
	}
	*p = *existing
	return nil
}

func (m *MemoryStore) GetByCommerceOrder(_ context.Context, commerceOrder string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byOrder[commerceOrder]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByToken(_ context.Context, token string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byOrder[order]
	return &cp, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
