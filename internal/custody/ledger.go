package custody

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

type ledgerState int

const (
	ledgerHeld ledgerState = iota + 1
	ledgerPaidOut
	ledgerReturned
)

type ledgerEntry struct {
	state     ledgerState
	amount    int64
	currency  string
	reference string
	disputed  bool
}

// Ledger 是内存中的法币托管账本，入账由支付回调通知驱动。
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	now     func() time.Time
}

// NewLedger 创建法币账本。
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*ledgerEntry), now: func() time.Time { return time.Now().UTC() }}
}

// ConfirmPayIn 记录入账。同一引用的重复通知返回原回执。
func (l *Ledger) ConfirmPayIn(_ context.Context, acct Account, notice PayInNotice) (Receipt, error) {
	if strings.TrimSpace(notice.Reference) == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "入账通知缺少支付流水号")
	}
	if notice.AmountMinor <= 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "入账金额必须为正数")
	}
	currency := notice.Currency
	if currency == "" {
		currency = acct.Currency
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// 金额不符的入账不入账本，由状态机拒绝后等待正确通知。
	if notice.AmountMinor != acct.Amount {
		return Receipt{Backend: BackendFiat, Reference: notice.Reference, AmountMinor: notice.AmountMinor, Currency: currency, At: l.now()}, nil
	}
	if entry, ok := l.entries[acct.EscrowID]; ok {
		if entry.reference != notice.Reference {
			return Receipt{}, custodyError(fmt.Errorf("已有入账 %s", entry.reference), "重复入账", BackendFiat)
		}
		return l.receipt(entry), nil
	}
	entry := &ledgerEntry{state: ledgerHeld, amount: notice.AmountMinor, currency: currency, reference: notice.Reference}
	l.entries[acct.EscrowID] = entry
	return l.receipt(entry), nil
}

// Release 将托管资金划给卖家。
func (l *Ledger) Release(_ context.Context, acct Account) (Receipt, error) {
	return l.settle(acct, ledgerPaidOut)
}

// Refund 将托管资金退回买家。
func (l *Ledger) Refund(_ context.Context, acct Account) (Receipt, error) {
	return l.settle(acct, ledgerReturned)
}

func (l *Ledger) settle(acct Account, target ledgerState) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[acct.EscrowID]
	if !ok {
		return Receipt{}, custodyError(fmt.Errorf("escrow %s", acct.EscrowID), "账本中没有托管资金", BackendFiat)
	}
	if entry.state == target {
		return l.receipt(entry), nil
	}
	if entry.state != ledgerHeld {
		return Receipt{}, custodyError(fmt.Errorf("escrow %s", acct.EscrowID), "托管资金已结算", BackendFiat)
	}
	entry.state = target
	return l.receipt(entry), nil
}

// NotifyDispute 标记争议，冻结资金。
func (l *Ledger) NotifyDispute(_ context.Context, acct Account, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[acct.EscrowID]; ok {
		entry.disputed = true
	}
	return nil
}

// Committed 报告资金是否已结算。
func (l *Ledger) Committed(_ context.Context, acct Account) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[acct.EscrowID]
	return ok && entry.state != ledgerHeld, nil
}

func (l *Ledger) receipt(entry *ledgerEntry) Receipt {
	return Receipt{
		Backend:     BackendFiat,
		Reference:   entry.reference,
		AmountMinor: entry.amount,
		Currency:    entry.currency,
		At:          l.now(),
	}
}

var _ Custody = (*Ledger)(nil)
