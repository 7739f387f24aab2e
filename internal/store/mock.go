// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Mirrors SQLite semantics including duplicate and not-found errors

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store used by tests.
type MockStore struct {
	mu    sync.RWMutex
	recs  map[string]*ConversationRecord
	fail  error // when set, every operation returns this error
	saves int
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{recs: make(map[string]*ConversationRecord)}
}

// FailWith makes every subsequent operation return err. Pass nil to reset.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// SaveCount returns how many times SaveConversation was called.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MockStore) CreateConversation(ctx context.Context, rec *ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, exists := m.recs[rec.ID]; exists {
		return ErrDuplicate
	}
	m.recs[rec.ID] = copyRecord(rec)
	return nil
}

func (m *MockStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	rec.UpdatedAt = time.Now()
	m.recs[rec.ID] = copyRecord(rec)
	m.saves++
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]*ConversationRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

func (m *MockStore) Close() error { return nil }

func copyRecord(rec *ConversationRecord) *ConversationRecord {
	dup := *rec
	dup.Document = append([]byte(nil), rec.Document...)
	return &dup
}
