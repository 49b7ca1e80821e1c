package escrow

import (
	"context"
	"maps"
	"slices"
	"sync"

	xerrors "AgentEscrow/internal/errors"
)

// Store 持久化托管、验证事件与审计链。状态更新与审计追加必须在同一事务内完成。
type Store interface {
	// Create 写入新托管及其首条审计记录。
	Create(ctx context.Context, wf Workflow, entry AuditLogEntry) (AuditLogEntry, error)
	Get(ctx context.Context, id string) (Workflow, error)
	// Transition 以 expectedVersion 做比较并交换，同时追加审计。
	Transition(ctx context.Context, wf Workflow, expectedVersion int64, entry AuditLogEntry) (AuditLogEntry, error)
	// AppendAudit 只追加审计，用于重复与被拒绝的尝试。
	AppendAudit(ctx context.Context, entry AuditLogEntry) (AuditLogEntry, error)
	// AppendVerification 追加验证事件并以比较并交换更新 verified 标记。
	AppendVerification(ctx context.Context, ev VerificationEvent, wf Workflow, expectedVersion int64) error
	AuditTrail(ctx context.Context, escrowID string) ([]AuditLogEntry, error)
	Verifications(ctx context.Context, escrowID string) ([]VerificationEvent, error)
	// ListByParty 返回主体作为买方或卖方参与的托管，按创建时间排序。
	ListByParty(ctx context.Context, subjectID string) ([]Workflow, error)
}

var (
	// ErrNotFound 表示托管不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "托管不存在")
	// ErrConflict 表示托管 ID 或验证事件 ID 已存在。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "托管记录已存在")
	// ErrVersionConflict 表示并发迁移在比较并交换时落败。
	ErrVersionConflict = xerrors.New(xerrors.CodeInvalidTransition, "托管已被并发修改",
		xerrors.WithMetadata("reason", ReasonVersionConflict))
)

// MemoryStore 在内存中保存托管数据，适用于测试与单进程部署。
type MemoryStore struct {
	mu            sync.RWMutex
	escrows       map[string]Workflow
	audit         map[string][]AuditLogEntry
	verifications map[string][]VerificationEvent
	eventIDs      map[string]struct{}
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:       make(map[string]Workflow),
		audit:         make(map[string][]AuditLogEntry),
		verifications: make(map[string][]VerificationEvent),
		eventIDs:      make(map[string]struct{}),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, wf Workflow, entry AuditLogEntry) (AuditLogEntry, error) {
	if wf.ID == "" {
		return AuditLogEntry{}, xerrors.New(xerrors.CodeInvalidArgument, "托管 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[wf.ID]; ok {
		return AuditLogEntry{}, ErrConflict
	}
	sealed, err := m.appendLocked(entry)
	if err != nil {
		return AuditLogEntry{}, err
	}
	m.escrows[wf.ID] = wf.Clone()
	return sealed, nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.escrows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return wf.Clone(), nil
}

// Transition 实现 Store 接口。
func (m *MemoryStore) Transition(_ context.Context, wf Workflow, expectedVersion int64, entry AuditLogEntry) (AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[wf.ID]
	if !ok {
		return AuditLogEntry{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return AuditLogEntry{}, ErrVersionConflict
	}
	sealed, err := m.appendLocked(entry)
	if err != nil {
		return AuditLogEntry{}, err
	}
	m.escrows[wf.ID] = wf.Clone()
	return sealed, nil
}

// AppendAudit 实现 Store 接口。
func (m *MemoryStore) AppendAudit(_ context.Context, entry AuditLogEntry) (AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[entry.EscrowID]; !ok {
		return AuditLogEntry{}, ErrNotFound
	}
	return m.appendLocked(entry)
}

func (m *MemoryStore) appendLocked(entry AuditLogEntry) (AuditLogEntry, error) {
	entry.Data = maps.Clone(entry.Data)
	chain := m.audit[entry.EscrowID]
	var prev *AuditLogEntry
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	if err := Seal(&entry, prev); err != nil {
		return AuditLogEntry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "封装审计记录失败")
	}
	m.audit[entry.EscrowID] = append(chain, entry)
	return entry, nil
}

// AppendVerification 实现 Store 接口。
func (m *MemoryStore) AppendVerification(_ context.Context, ev VerificationEvent, wf Workflow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.escrows[ev.EscrowID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if _, dup := m.eventIDs[ev.ID]; dup {
		return ErrConflict
	}
	m.eventIDs[ev.ID] = struct{}{}
	m.verifications[ev.EscrowID] = append(m.verifications[ev.EscrowID], ev)
	m.escrows[wf.ID] = wf.Clone()
	return nil
}

// AuditTrail 实现 Store 接口。
func (m *MemoryStore) AuditTrail(_ context.Context, escrowID string) ([]AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.escrows[escrowID]; !ok {
		return nil, ErrNotFound
	}
	chain := m.audit[escrowID]
	out := make([]AuditLogEntry, len(chain))
	for i, entry := range chain {
		entry.Data = maps.Clone(entry.Data)
		out[i] = entry
	}
	return out, nil
}

// Verifications 实现 Store 接口。
func (m *MemoryStore) Verifications(_ context.Context, escrowID string) ([]VerificationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.escrows[escrowID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(m.verifications[escrowID]), nil
}

// ListByParty 实现 Store 接口。
func (m *MemoryStore) ListByParty(_ context.Context, subjectID string) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Workflow
	for _, wf := range m.escrows {
		if wf.BuyerID == subjectID || wf.SellerID == subjectID {
			out = append(out, wf.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Workflow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
