// Package anomaly 对托管迁移与验证事件打分，记录欺诈与系统性风险并为放款提供拦截。
package anomaly

import (
	"net/http"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Kind 是异常类型。
type Kind string

// 异常类型
const (
	KindFundingMismatch          Kind = "funding_mismatch"
	KindAbnormalVelocity         Kind = "abnormal_velocity"
	KindInconsistentVerification Kind = "inconsistent_verification"
	KindDeviceTriggerFailed      Kind = "device_trigger_failed"
	KindRapidDispute             Kind = "rapid_dispute"
	KindRepeatedRejections       Kind = "repeated_rejections"
	KindHighValueLowTrust        Kind = "high_value_low_trust"
)

// Severity 是异常严重程度，low < medium < high < critical。
type Severity string

// 严重程度
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor 将分数映射为严重程度。
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Record 是一条异常记录。创建后只更新解决字段与 LastSeenAt：同类信号再次出现时刷新 LastSeenAt，
// 放款拦截以它作为需要复核的时间点。
type Record struct {
	ID             string    `json:"anomaly_id"`
	Kind           Kind      `json:"kind"`
	Severity       Severity  `json:"severity"`
	Score          float64   `json:"score"`
	EscrowImpact   bool      `json:"escrow_impact"`
	EscrowID       string    `json:"escrow_id,omitempty"`
	SubjectID      string    `json:"subject_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Resolved       bool      `json:"resolved"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FlaggedAt 返回记录最近一次被触发的时间。
func (r Record) FlaggedAt() time.Time {
	if r.LastSeenAt.After(r.CreatedAt) {
		return r.LastSeenAt
	}
	return r.CreatedAt
}

// DedupKey 标识同类未解决异常。
func (r Record) DedupKey() string {
	return string(r.Kind) + "|" + r.EscrowID + "|" + r.SubjectID
}

// Filter 限定列表查询。
type Filter struct {
	EscrowID   string
	SubjectID  string
	Unresolved bool
	Limit      int
}

func (f Filter) match(r Record) bool {
	if f.EscrowID != "" && r.EscrowID != f.EscrowID {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	return !f.Unresolved || !r.Resolved
}

// CodeAnomalyDetected 是异常告警使用的错误码。
const CodeAnomalyDetected xerrors.Code = "ANOMALY_DETECTED"

func init() {
	xerrors.Register(CodeAnomalyDetected, xerrors.Attributes{
		Message:    "检测到交易异常",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusOK,
	})
}

var (
	// ErrNotFound 表示异常记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "异常记录不存在")
	// ErrDuplicate 表示同类未解决异常已存在。
	ErrDuplicate = xerrors.New(xerrors.CodeConflict, "同类异常尚未解决")
	// ErrResolved 表示异常已被解决。
	ErrResolved = xerrors.New(xerrors.CodeConflict, "异常已解决")
)
