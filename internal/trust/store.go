package trust

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store 持久化徽章。
type Store interface {
	// Issue 在同一原子操作中停用 key 下当前启用的徽章并写入新徽章。
	Issue(ctx context.Context, badge Badge) error
	// Current 返回 key 下标记为启用的徽章，不判断过期。
	Current(ctx context.Context, key Key) (Badge, error)
	// List 返回主体的全部徽章，按签发时间排序。
	List(ctx context.Context, subjectID string) ([]Badge, error)
}

// MemoryStore 是进程内徽章存储。
type MemoryStore struct {
	mu     sync.RWMutex
	badges map[string]Badge
	active map[Key]string
	order  []string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		badges: make(map[string]Badge),
		active: make(map[Key]string),
	}
}

// Issue 实现 Store 接口。
func (m *MemoryStore) Issue(_ context.Context, badge Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.badges[badge.ID]; exists {
		return ErrConflict
	}
	key := badge.Key()
	if prevID, ok := m.active[key]; ok {
		prev := m.badges[prevID]
		prev.Active = false
		prev.DeactivatedAt = badge.IssuedAt
		prev.UpdatedAt = badge.IssuedAt
		m.badges[prevID] = prev
		delete(m.active, key)
	}
	badge.Active = true
	m.badges[badge.ID] = badge
	m.active[key] = badge.ID
	m.order = append(m.order, badge.ID)
	return nil
}

// Current 实现 Store 接口。
func (m *MemoryStore) Current(_ context.Context, key Key) (Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[key]
	if !ok {
		return Badge{}, ErrNotFound
	}
	return m.badges[id], nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, subjectID string) ([]Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Badge
	for _, id := range m.order {
		if b := m.badges[id]; b.SubjectID == subjectID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func expiryFrom(issued time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return issued.Add(ttl)
}

var _ Store = (*MemoryStore)(nil)
