package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store 持久化异常记录。
type Store interface {
	// Create 写入记录。同一 DedupKey 已有未解决记录时将其 LastSeenAt 刷新为 record.CreatedAt，
	// 返回 ErrDuplicate 与刷新后的记录。
	Create(ctx context.Context, record Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// Resolve 标记记录已解决，已解决时返回 ErrResolved。
	Resolve(ctx context.Context, id, operator, note string, at time.Time) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Holds 返回托管上未解决且影响放款的记录。
	Holds(ctx context.Context, escrowID string) ([]Record, error)
}

// MemoryStore 是进程内异常存储。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	open    map[string]string
	order   []string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		open:    make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := record.DedupKey()
	if id, ok := m.open[key]; ok {
		existing := m.records[id]
		if record.CreatedAt.After(existing.LastSeenAt) {
			existing.LastSeenAt = record.CreatedAt
			existing.UpdatedAt = record.CreatedAt
			m.records[id] = existing
		}
		return existing, ErrDuplicate
	}
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = record.CreatedAt
	}
	m.records[record.ID] = record
	m.open[key] = record.ID
	m.order = append(m.order, record.ID)
	return record, nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// Resolve 实现 Store 接口。
func (m *MemoryStore) Resolve(_ context.Context, id, operator, note string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Resolved {
		return record, ErrResolved
	}
	record.Resolved = true
	record.ResolvedBy = operator
	record.ResolutionNote = note
	record.ResolvedAt = at
	record.UpdatedAt = at
	m.records[id] = record
	delete(m.open, record.DedupKey())
	return record, nil
}

// List 实现 Store 接口，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for i := len(m.order) - 1; i >= 0; i-- {
		record := m.records[m.order[i]]
		if !filter.match(record) {
			continue
		}
		out = append(out, record)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Holds 实现 Store 接口。
func (m *MemoryStore) Holds(_ context.Context, escrowID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		record := m.records[id]
		if record.EscrowID == escrowID && record.EscrowImpact && !record.Resolved {
			out = append(out, record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
