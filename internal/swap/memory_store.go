package swap

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory swap store for development and tests.
type MemoryStore struct {
	logs  map[uuid.UUID][]*Record
	order []uuid.UUID
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory swap store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[uuid.UUID][]*Record),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[rec.SwapID]
	if !ok {
		m.order = append(m.order, rec.SwapID)
	}
	rec.Seq = int64(len(log)) + 1
	rec.CreatedAt = time.Now().UTC()

	m.logs[rec.SwapID] = append(log, rec.clone())
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[id]
	if len(log) == 0 {
		return nil, ErrSwapNotFound
	}
	return log[len(log)-1].clone(), nil
}

func (m *MemoryStore) History(ctx context.Context, id uuid.UUID) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[id]
	if len(log) == 0 {
		return nil, ErrSwapNotFound
	}
	result := make([]*Record, len(log))
	for i, r := range log {
		result[i] = r.clone()
	}
	return result, nil
}

func (m *MemoryStore) ListUnfinished(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, id := range m.order {
		log := m.logs[id]
		latest := log[len(log)-1]
		if latest.Terminal {
			continue
		}
		result = append(result, latest.clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	return &cp
}
