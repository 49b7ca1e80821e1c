package custody

import (
	"context"
	"fmt"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Chain 通过链上托管合约保管资金，适用于 blockchain 与 smart_contract 后端。
type Chain struct {
	vault   web3.Vault
	backend Backend
	now     func() time.Time
}

// NewChain 创建链上托管。
func NewChain(vault web3.Vault, backend Backend) *Chain {
	if backend == "" {
		backend = BackendSmartContract
	}
	return &Chain{vault: vault, backend: backend, now: func() time.Time { return time.Now().UTC() }}
}

// KeyFor 将 UUID 形式的 escrow ID 映射为合约中的 bytes32 键。
func KeyFor(escrowID string) ([32]byte, error) {
	var key [32]byte
	id, err := uuid.Parse(escrowID)
	if err != nil {
		return key, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "escrow ID 不是合法的 UUID")
	}
	copy(key[:16], id[:])
	return key, nil
}

// EscrowIDFromKey 是 KeyFor 的逆映射。
func EscrowIDFromKey(key [32]byte) (string, error) {
	id, err := uuid.FromBytes(key[:16])
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ConfirmPayIn 读取合约中的存款记录作为到账金额。
func (c *Chain) ConfirmPayIn(ctx context.Context, acct Account, notice PayInNotice) (Receipt, error) {
	deposit, err := c.deposit(ctx, acct)
	if err != nil {
		return Receipt{}, err
	}
	if deposit.State != web3.DepositFunded {
		return Receipt{}, custodyError(fmt.Errorf("deposit state %d", deposit.State), "链上未检测到有效存款", c.backend)
	}
	if deposit.Amount == nil || !deposit.Amount.IsInt64() {
		return Receipt{}, custodyError(fmt.Errorf("amount %v", deposit.Amount), "链上存款金额超出范围", c.backend)
	}
	return Receipt{
		Backend:     c.backend,
		Reference:   notice.Reference,
		AmountMinor: deposit.Amount.Int64(),
		Currency:    acct.Currency,
		At:          c.now(),
	}, nil
}

// Release 调用合约 release。
func (c *Chain) Release(ctx context.Context, acct Account) (Receipt, error) {
	return c.settle(ctx, acct, "release", c.vault.Release)
}

// Refund 调用合约 refund。
func (c *Chain) Refund(ctx context.Context, acct Account) (Receipt, error) {
	return c.settle(ctx, acct, "refund", c.vault.Refund)
}

func (c *Chain) settle(ctx context.Context, acct Account, action string, call func(context.Context, [32]byte) (common.Hash, error)) (Receipt, error) {
	key, err := KeyFor(acct.EscrowID)
	if err != nil {
		return Receipt{}, err
	}
	hash, err := call(ctx, key)
	if err != nil {
		return Receipt{}, custodyError(err, "链上"+action+"失败", c.backend)
	}
	return Receipt{
		Backend:     c.backend,
		Reference:   hash.Hex(),
		AmountMinor: acct.Amount,
		Currency:    acct.Currency,
		At:          c.now(),
	}, nil
}

// NotifyDispute 冻结链上存款。
func (c *Chain) NotifyDispute(ctx context.Context, acct Account, _ string) error {
	key, err := KeyFor(acct.EscrowID)
	if err != nil {
		return err
	}
	if _, err := c.vault.FlagDispute(ctx, key); err != nil {
		return custodyError(err, "链上标记争议失败", c.backend)
	}
	return nil
}

// Committed 报告链上存款是否已结算。
func (c *Chain) Committed(ctx context.Context, acct Account) (bool, error) {
	deposit, err := c.deposit(ctx, acct)
	if err != nil {
		return false, err
	}
	return deposit.State.Settled(), nil
}

func (c *Chain) deposit(ctx context.Context, acct Account) (web3.Deposit, error) {
	key, err := KeyFor(acct.EscrowID)
	if err != nil {
		return web3.Deposit{}, err
	}
	deposit, err := c.vault.Deposit(ctx, key)
	if err != nil {
		return web3.Deposit{}, custodyError(err, "查询链上存款失败", c.backend)
	}
	return deposit, nil
}

var _ Custody = (*Chain)(nil)
