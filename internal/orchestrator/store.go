package orchestrator

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Store 持久化编排会话。
type Store interface {
	// Create 写入新会话，ID 重复时返回 ErrSessionConflict。
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Claim 原子地将 created 会话置为 running，同一会话只会被一个工作协程领取。
	Claim(ctx context.Context, id string) (*Session, error)
	// Update 以版本号做比较交换写回会话，成功后 Version 加一。
	// 取消标记只由 RequestCancel 写入，Update 不会清除它。
	Update(ctx context.Context, session *Session) error
	// RequestCancel 为未结束的会话设置取消标记。
	RequestCancel(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
}

// ListOptions 控制会话列表的过滤条件。
type ListOptions struct {
	Limit    int
	Offset   int
	OwnerID  string
	Statuses []Status
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	var statuses []Status
	for _, s := range opts.Statuses {
		if s.Valid() && !slices.Contains(statuses, s) {
			statuses = append(statuses, s)
		}
	}
	opts.Statuses = statuses
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithOwner 只返回指定发起人的会话。
func WithOwner(ownerID string) ListOption {
	return func(opts *ListOptions) { opts.OwnerID = ownerID }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// MemoryStore 以内存方式保存会话，用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return ErrSessionConflict
	}
	now := m.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Version = 1
	m.sessions[session.ID] = session.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status != StatusCreated {
		return s.Clone(), ErrSessionNotClaimable
	}
	s.Status = StatusRunning
	s.Version++
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if current.Version != session.Version {
		return ErrSessionConflict
	}
	next := session.Clone()
	next.CancelRequested = current.CancelRequested
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()
	m.sessions[session.ID] = next

	session.CancelRequested = next.CancelRequested
	session.Version = next.Version
	session.UpdatedAt = next.UpdatedAt
	return nil
}

// RequestCancel 实现 Store 接口。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return s.Clone(), ErrSessionTerminal
	}
	if !s.CancelRequested {
		s.CancelRequested = true
		s.UpdatedAt = m.now()
	}
	return s.Clone(), nil
}

// List 实现 Store 接口，按更新时间倒序返回。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()
	m.mu.RLock()
	matched := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if opts.OwnerID != "" && s.OwnerID != opts.OwnerID {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, s.Status) {
			continue
		}
		matched = append(matched, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if opts.Offset >= len(matched) {
		return []*Session{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(matched))
	return matched[opts.Offset:end], nil
}

var _ Store = (*MemoryStore)(nil)
