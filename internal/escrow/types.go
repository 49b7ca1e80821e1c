// Package escrow 管理单笔交易的托管生命周期。Machine 是托管状态的唯一写入方，
// 每次迁移尝试无论是否生效都会留下一条哈希链审计记录。
package escrow

import (
	"net/http"
	"slices"
	"time"

	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
)

// Status 表示托管状态。
type Status string

// 托管状态。
const (
	StatusInitiated Status = "initiated"
	StatusFunded    Status = "funded"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// Statuses 返回全部状态。
func Statuses() []Status {
	return []Status{StatusInitiated, StatusFunded, StatusReleased, StatusRefunded, StatusCancelled, StatusDisputed}
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Event 是驱动状态迁移的事件，同时作为审计动作名。
type Event string

// 迁移事件。
const (
	EventInitiated       Event = "initiated"
	EventFundsConfirmed  Event = "funds_confirmed"
	EventReleaseApproved Event = "release_approved"
	EventRefundAccepted  Event = "refund_accepted"
	EventDisputeRaised   Event = "dispute_raised"
	EventDisputeResolved Event = "dispute_resolved"
	EventCancelled       Event = "cancelled"

	// EventVerification 只在终态托管拒绝验证事件时写入审计。
	EventVerification Event = "verification_submitted"
)

// Events 返回会改变状态的事件。
func Events() []Event {
	return []Event{EventFundsConfirmed, EventReleaseApproved, EventRefundAccepted, EventDisputeRaised, EventDisputeResolved, EventCancelled}
}

// Outcome 描述一次迁移尝试的结果。
type Outcome string

// 迁移结果。
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Kind 是验证事件类型。
type Kind string

// 验证事件类型。
const (
	KindInspection        Kind = "inspection"
	KindAutomatedTrigger  Kind = "automated_trigger"
	KindDocumentSignature Kind = "document_signature"
	KindReleaseConsent    Kind = "release_consent"
	KindAnomalyReview     Kind = "anomaly_review"
)

// DefaultRequiredVerifications 是未配置时的放款前置验证。
var DefaultRequiredVerifications = []Kind{KindInspection, KindDocumentSignature}

// Valid 判断验证类型是否合法。
func (k Kind) Valid() bool {
	switch k {
	case KindInspection, KindAutomatedTrigger, KindDocumentSignature, KindReleaseConsent, KindAnomalyReview:
		return true
	}
	return false
}

// Verifier 标识验证事件的来源方。
type Verifier string

// 验证来源。
const (
	VerifierBuyer    Verifier = "buyer"
	VerifierSeller   Verifier = "seller"
	VerifierAgent    Verifier = "agent"
	VerifierDevice   Verifier = "device"
	VerifierOperator Verifier = "operator"
)

// Valid 判断验证来源是否合法。
func (v Verifier) Valid() bool {
	switch v {
	case VerifierBuyer, VerifierSeller, VerifierAgent, VerifierDevice, VerifierOperator:
		return true
	}
	return false
}

// Workflow 是一笔托管交易。amount 创建后不可修改。
type Workflow struct {
	ID                    string          `json:"escrow_id"`
	SessionID             string          `json:"session_id,omitempty"`
	ListingID             string          `json:"listing_id"`
	BuyerID               string          `json:"buyer_id"`
	SellerID              string          `json:"seller_id"`
	Backend               custody.Backend `json:"backend_type"`
	Amount                int64           `json:"amount"`
	Currency              string          `json:"currency"`
	Status                Status          `json:"status"`
	Verified              bool            `json:"verified"`
	TrustScore            float64         `json:"trust_score"`
	RequiredVerifications []Kind          `json:"required_verifications"`
	FundedVia             custody.Backend `json:"funded_via,omitempty"`
	FundingReference      string          `json:"funding_reference,omitempty"`
	FundedAt              time.Time       `json:"funded_at,omitempty"`
	DisputeRaised         bool            `json:"dispute_raised"`
	DisputeReason         string          `json:"dispute_reason,omitempty"`
	Resolution            Status          `json:"resolution,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Clone 返回深拷贝。
func (w Workflow) Clone() Workflow {
	w.RequiredVerifications = slices.Clone(w.RequiredVerifications)
	return w
}

// Account 转换为托管方所需的账户信息。
func (w Workflow) Account() custody.Account {
	return custody.Account{
		EscrowID:  w.ID,
		Backend:   w.Backend,
		FundedVia: w.FundedVia,
		Amount:    w.Amount,
		Currency:  w.Currency,
		BuyerID:   w.BuyerID,
		SellerID:  w.SellerID,
	}
}

// PartyOf 返回主体在托管中的角色，非参与方返回空。
func (w Workflow) PartyOf(subjectID string) Verifier {
	switch subjectID {
	case w.BuyerID:
		return VerifierBuyer
	case w.SellerID:
		return VerifierSeller
	}
	return ""
}

// VerificationEvent 是不可变的验证事实。
type VerificationEvent struct {
	ID         string    `json:"event_id"`
	EscrowID   string    `json:"escrow_id"`
	Kind       Kind      `json:"kind"`
	VerifiedBy Verifier  `json:"verified_by"`
	VerifierID string    `json:"verifier_id,omitempty"`
	Outcome    bool      `json:"outcome"`
	Evidence   string    `json:"evidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditLogEntry 是只追加的审计记录，按托管串成哈希链。
type AuditLogEntry struct {
	ID           string            `json:"entry_id"`
	EscrowID     string            `json:"escrow_id"`
	Sequence     int64             `json:"sequence"`
	Action       Event             `json:"action"`
	Outcome      Outcome           `json:"outcome"`
	FromStatus   Status            `json:"from_status,omitempty"`
	ToStatus     Status            `json:"to_status,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Timestamp    time.Time         `json:"timestamp"`
}

// TransitionRecord 是通知给观察者的一次迁移尝试。
type TransitionRecord struct {
	Escrow    Workflow
	Event     Event
	From      Status
	To        Status
	Outcome   Outcome
	Actor     string
	ErrorCode xerrors.Code
	Reason    string
	At        time.Time
}

// VerificationRecord 是通知给观察者的验证写入，History 含本次事件。
type VerificationRecord struct {
	Escrow  Workflow
	Event   VerificationEvent
	History []VerificationEvent
}

// PartyHistory 是某主体参与的托管及其验证事件。
type PartyHistory struct {
	Escrows       []Workflow
	Verifications []VerificationEvent
}

// 审计链校验失败的错误码。
const CodeAuditChainBroken xerrors.Code = "AUDIT_CHAIN_BROKEN"

// 拒绝原因，写入错误元数据与审计数据。
const (
	ReasonAmountMismatch       = "amount_mismatch"
	ReasonVersionConflict      = "version_conflict"
	ReasonNotAllowed           = "not_allowed"
	ReasonMissingVerification  = "missing_verification"
	ReasonAnomalyHold          = "anomaly_hold"
	ReasonCounterparty         = "counterparty_required"
	ReasonVerificationDisputed = "verification_disputed"
	ReasonFundsCommitted       = "funds_committed"
	ReasonTerminal             = "terminal"
	ReasonCustody              = "custody_failure"
	ReasonCommitFailed         = "commit_failed"
)

func init() {
	xerrors.Register(CodeAuditChainBroken, xerrors.Attributes{
		Message:    "escrow audit chain broken",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
