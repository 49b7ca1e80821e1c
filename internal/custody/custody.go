// Package custody 抽象托管资金的存放位置。托管状态机的每个副作用都经由 Custody 执行，
// 具体后端为内存法币账本与链上金库。
package custody

import (
	"context"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Backend 标识托管资金所在的后端。
type Backend string

// 支持的托管后端。
const (
	BackendFiat          Backend = "fiat"
	BackendBlockchain    Backend = "blockchain"
	BackendHybrid        Backend = "hybrid"
	BackendSmartContract Backend = "smart_contract"
)

// Valid 判断后端类型是否合法。
func (b Backend) Valid() bool {
	switch b {
	case BackendFiat, BackendBlockchain, BackendHybrid, BackendSmartContract:
		return true
	}
	return false
}

// Account 是托管方所需的交易信息。
type Account struct {
	EscrowID  string  `json:"escrow_id"`
	Backend   Backend `json:"backend"`
	FundedVia Backend `json:"funded_via,omitempty"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	BuyerID   string  `json:"buyer_id"`
	SellerID  string  `json:"seller_id"`
}

// PayInNotice 是支付渠道或链上监听给出的入账通知。
type PayInNotice struct {
	Backend     Backend `json:"backend,omitempty"`
	Reference   string  `json:"reference"`
	AmountMinor int64   `json:"amount_minor"`
	Currency    string  `json:"currency"`
}

// Receipt 是托管方确认的资金动作。
type Receipt struct {
	Backend     Backend   `json:"backend"`
	Reference   string    `json:"reference"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	At          time.Time `json:"at"`
}

// Custody 是托管资金的抽象能力。
type Custody interface {
	// ConfirmPayIn 核实入账并返回实际到账金额。
	ConfirmPayIn(ctx context.Context, acct Account, notice PayInNotice) (Receipt, error)
	Release(ctx context.Context, acct Account) (Receipt, error)
	Refund(ctx context.Context, acct Account) (Receipt, error)
	NotifyDispute(ctx context.Context, acct Account, reason string) error
	// Committed 报告资金是否已不可逆地划出。
	Committed(ctx context.Context, acct Account) (bool, error)
}

func custodyError(err error, message string, backend Backend) error {
	return xerrors.Wrap(xerrors.CodeCustodyFailure, err, message, xerrors.WithMetadata("backend", string(backend)))
}
