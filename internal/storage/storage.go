// Package storage holds the content-addressed object index: one record per
// distinct SHA-256, written once and never changed.
package storage

import (
	"context"
	"sync"

	"github.com/princekumarofficial/uploads-service/internal/types"
)

type ObjectIndex interface {
	// Lookup returns types.ErrObjectNotFound when no object has this hash.
	Lookup(ctx context.Context, contentHash string) (*types.StoredObject, error)
	// InsertIfAbsent stores obj unless a record with the same hash exists.
	// It returns the record that ends up in the index and whether obj was the
	// one inserted.
	InsertIfAbsent(ctx context.Context, obj types.StoredObject) (types.StoredObject, bool, error)
}

// MemoryIndex is an ObjectIndex for single-process deployments and tests
type MemoryIndex struct {
	mu      sync.RWMutex
	objects map[string]types.StoredObject
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{objects: make(map[string]types.StoredObject)}
}

func (m *MemoryIndex) Lookup(ctx context.Context, contentHash string) (*types.StoredObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[contentHash]
	if !ok {
		return nil, types.ErrObjectNotFound
	}
	return &obj, nil
}

func (m *MemoryIndex) InsertIfAbsent(ctx context.Context, obj types.StoredObject) (types.StoredObject, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.objects[obj.ContentHash]; ok {
		return existing, false, nil
	}
	m.objects[obj.ContentHash] = obj
	return obj, true, nil
}

// Len is the number of distinct objects
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ ObjectIndex = (*MemoryIndex)(nil)
