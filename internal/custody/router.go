package custody

import (
	"context"
	"fmt"

	xerrors "AgentEscrow/internal/errors"
)

// Router 按后端类型分发托管调用。hybrid 托管在入账时选定单一后端，
// 之后的调用固定走该后端。
type Router struct {
	routes map[Backend]Custody
}

// NewRouter 创建路由。blockchain 与 smart_contract 可指向同一个 Chain。
func NewRouter(routes map[Backend]Custody) *Router {
	copied := make(map[Backend]Custody, len(routes))
	for backend, c := range routes {
		if c != nil && backend != BackendHybrid {
			copied[backend] = c
		}
	}
	return &Router{routes: copied}
}

// ConfirmPayIn 按入账通知选择后端。
func (r *Router) ConfirmPayIn(ctx context.Context, acct Account, notice PayInNotice) (Receipt, error) {
	target := acct.Backend
	if acct.Backend == BackendHybrid {
		if notice.Backend == "" || notice.Backend == BackendHybrid {
			return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "混合托管入账必须指明资金所在后端")
		}
		target = notice.Backend
	} else if notice.Backend != "" && notice.Backend != acct.Backend {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("入账后端 %s 与托管后端 %s 不一致", notice.Backend, acct.Backend))
	}
	c, err := r.lookup(target)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := c.ConfirmPayIn(ctx, acct, notice)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Backend = target
	return receipt, nil
}

// Release 释放资金给卖家。
func (r *Router) Release(ctx context.Context, acct Account) (Receipt, error) {
	c, err := r.funded(acct)
	if err != nil {
		return Receipt{}, err
	}
	return c.Release(ctx, acct)
}

// Refund 退款给买家。
func (r *Router) Refund(ctx context.Context, acct Account) (Receipt, error) {
	c, err := r.funded(acct)
	if err != nil {
		return Receipt{}, err
	}
	return c.Refund(ctx, acct)
}

// NotifyDispute 通知资金所在后端进入争议。
func (r *Router) NotifyDispute(ctx context.Context, acct Account, reason string) error {
	c, err := r.funded(acct)
	if err != nil {
		return err
	}
	return c.NotifyDispute(ctx, acct, reason)
}

// Committed 未入账的混合托管视为未划出资金。
func (r *Router) Committed(ctx context.Context, acct Account) (bool, error) {
	if acct.Backend == BackendHybrid && acct.FundedVia == "" {
		return false, nil
	}
	c, err := r.funded(acct)
	if err != nil {
		return false, err
	}
	return c.Committed(ctx, acct)
}

func (r *Router) funded(acct Account) (Custody, error) {
	target := acct.Backend
	if target == BackendHybrid {
		if acct.FundedVia == "" {
			return nil, xerrors.New(xerrors.CodeCustodyFailure, "混合托管尚未入账", xerrors.WithRetryable(false))
		}
		target = acct.FundedVia
	}
	return r.lookup(target)
}

func (r *Router) lookup(backend Backend) (Custody, error) {
	c, ok := r.routes[backend]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("未配置托管后端 %s", backend))
	}
	return c, nil
}

var _ Custody = (*Router)(nil)
