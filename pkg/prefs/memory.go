package prefs

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

type MemoryStore struct {
	values map[string]bool
	mutex  deadlock.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBool(ctx context.Context, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	value, ok := m.values[key]
	if !ok {
		return false, ErrMissing
	}
	return value, nil
}

func (m *MemoryStore) SetBool(ctx context.Context, key string, value bool) error {
	m.mutex.Lock()
	m.values[key] = value
	m.mutex.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
