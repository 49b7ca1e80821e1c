// Package events 将托管迁移、验证、异常与徽章以 JSON 信封发布到合规事件流。
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/google/uuid"
)

// 事件类型
const (
	TypeEscrowTransition   = "escrow.transition"
	TypeEscrowVerification = "escrow.verification"
	TypeAnomalyFlagged     = "anomaly.flagged"
	TypeBadgeIssued        = "trust.badge_issued"
)

// Envelope 是发布到事件流的统一信封。
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EscrowID   string          `json:"escrow_id,omitempty"`
	SubjectID  string          `json:"subject_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Key 返回分区键，同一托管的事件落在同一分区以保持顺序。
func (e Envelope) Key() string {
	if e.EscrowID != "" {
		return e.EscrowID
	}
	return e.SubjectID
}

// New 编码负载并构造信封。
func New(eventType, escrowID, subjectID string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件负载失败")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		EscrowID:   escrowID,
		SubjectID:  subjectID,
		OccurredAt: at,
		Payload:    raw,
	}, nil
}

// Publisher 发布事件信封。
type Publisher interface {
	Publish(ctx context.Context, envelopes ...Envelope) error
	Close() error
}

// MemoryPublisher 在内存中保留已发布的信封，用于测试与未配置 Kafka 的部署。
type MemoryPublisher struct {
	mu        sync.Mutex
	envelopes []Envelope
	limit     int
}

// NewMemoryPublisher 创建内存发布器，limit 大于 0 时只保留最近的 limit 条。
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

// Publish 实现 Publisher 接口。
func (p *MemoryPublisher) Publish(_ context.Context, envelopes ...Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelopes...)
	if p.limit > 0 && len(p.envelopes) > p.limit {
		p.envelopes = append([]Envelope(nil), p.envelopes[len(p.envelopes)-p.limit:]...)
	}
	return nil
}

// Envelopes 返回已发布信封的副本。
func (p *MemoryPublisher) Envelopes() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.envelopes...)
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error { return nil }

var _ Publisher = (*MemoryPublisher)(nil)
