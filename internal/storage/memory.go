package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-lifetime Store backed by maps
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*Session)}
}

func (m *Memory) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[id]; ok {
		return s.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByAddress(_ context.Context, addressRaw string) (*Session, error) {
	return m.find(func(s *Session) bool { return s.CustodialAddress == addressRaw })
}

func (m *Memory) FindByReference(_ context.Context, referenceID string) (*Session, error) {
	return m.find(func(s *Session) bool { return s.ReferenceID == referenceID })
}

func (m *Memory) FindByPaymentRef(_ context.Context, txRef string) (*Session, error) {
	if txRef == "" {
		return nil, ErrNotFound
	}
	return m.find(func(s *Session) bool { return s.PaymentTxRef == txRef })
}

func (m *Memory) find(match func(s *Session) bool) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if match(s) {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrAlreadyExists
	}
	for _, existing := range m.sessions {
		if existing.CustodialAddress == s.CustodialAddress || existing.ReferenceID == s.ReferenceID {
			return ErrAlreadyExists
		}
	}

	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) UpdateIfUnchanged(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != s.Version {
		return ErrConflict
	}
	if s.PaymentTxRef != "" {
		for id, other := range m.sessions {
			if id != s.ID && other.PaymentTxRef == s.PaymentTxRef {
				return ErrPaymentRefTaken
			}
		}
	}

	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
