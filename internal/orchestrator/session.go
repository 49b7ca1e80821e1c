// Package orchestrator 负责编排一次交易工作流：按流水线依次调用智能体、合并双脑输出并在达成交易时发起托管。
package orchestrator

import (
	"maps"
	"net/http"
	"slices"
	"time"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/brain"
	xerrors "AgentEscrow/internal/errors"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否已结束。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid 检查状态是否为支持的枚举值。
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StepStatus 是 workflow_state 中单个步骤的结果。
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Session 是一次编排会话的完整视图。
type Session struct {
	ID               string                    `json:"session_id"`
	OwnerID          string                    `json:"owner_id"`
	WorkflowID       string                    `json:"workflow_id"`
	Listing          agent.Listing             `json:"listing"`
	Status           Status                    `json:"status"`
	CurrentStep      agent.Type                `json:"current_step,omitempty"`
	WorkflowState    map[agent.Type]StepStatus `json:"workflow_state"`
	AnalyticalOutput *brain.Reasoning          `json:"analytical_output,omitempty"`
	CreativeOutput   *brain.Reasoning          `json:"creative_output,omitempty"`
	CombinedOutput   *brain.Combined           `json:"combined_output,omitempty"`
	AgentSequence    []agent.Type              `json:"agent_sequence"`
	TotalDurationMS  int64                     `json:"total_duration_ms"`
	Success          bool                      `json:"success"`
	EscrowID         string                    `json:"escrow_id,omitempty"`
	FailureCode      xerrors.Code              `json:"failure_code,omitempty"`
	Failure          string                    `json:"failure,omitempty"`
	CancelRequested  bool                      `json:"cancel_requested"`
	Version          int64                     `json:"version"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// Clone 返回深拷贝，存储层与调用方之间不共享可变状态。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.WorkflowState = maps.Clone(s.WorkflowState)
	c.AgentSequence = slices.Clone(s.AgentSequence)
	c.AnalyticalOutput = s.AnalyticalOutput.Clone()
	c.CreativeOutput = s.CreativeOutput.Clone()
	c.CombinedOutput = s.CombinedOutput.Clone()
	c.Listing = cloneListing(s.Listing)
	return &c
}

func cloneListing(l agent.Listing) agent.Listing {
	l.Images = slices.Clone(l.Images)
	l.Attributes = maps.Clone(l.Attributes)
	l.Offers = slices.Clone(l.Offers)
	return l
}

// 会话相关的错误码。
const (
	CodeSessionNotFound     xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict     xerrors.Code = "SESSION_CONFLICT"
	CodeSessionNotClaimable xerrors.Code = "SESSION_NOT_CLAIMABLE"
	CodeSessionTerminal     xerrors.Code = "SESSION_TERMINAL"
	CodeSessionCancelled    xerrors.Code = "SESSION_CANCELLED"
	CodeSessionValidation   xerrors.Code = "SESSION_VALIDATION_FAILED"
	CodeSessionPublish      xerrors.Code = "SESSION_PUBLISH_FAILED"
	CodeEscrowTrigger       xerrors.Code = "ESCROW_TRIGGER_FAILED"
)

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话 ID 重复或版本已变化。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionNotClaimable 表示会话已被其他工作协程领取或已结束。
	ErrSessionNotClaimable = xerrors.New(CodeSessionNotClaimable, "session not claimable", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSessionTerminal 表示会话已结束，不再接受取消。
	ErrSessionTerminal = xerrors.New(CodeSessionTerminal, "session already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:    "session not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:    "session conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionNotClaimable, xerrors.Attributes{
		Message:    "session not claimable",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionTerminal, xerrors.Attributes{
		Message:    "session already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionCancelled, xerrors.Attributes{
		Message:    "session cancelled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:    "session validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:    "failed to publish session",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeEscrowTrigger, xerrors.Attributes{
		Message:    "escrow initiation failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
