package escrow

import (
	"fmt"

	xerrors "AgentEscrow/internal/errors"
)

// Target 返回事件期望到达的状态。dispute_resolved 的目标由裁决给出。
func Target(event Event, decision Status) Status {
	switch event {
	case EventFundsConfirmed:
		return StatusFunded
	case EventReleaseApproved:
		return StatusReleased
	case EventRefundAccepted:
		return StatusRefunded
	case EventDisputeRaised:
		return StatusDisputed
	case EventDisputeResolved:
		return decision
	case EventCancelled:
		return StatusCancelled
	}
	return ""
}

// Next 是迁移表的纯函数实现，不检查守卫条件。
func Next(from Status, event Event, decision Status) (Status, error) {
	switch {
	case from == StatusInitiated && event == EventFundsConfirmed:
		return StatusFunded, nil
	case from == StatusFunded && event == EventReleaseApproved:
		return StatusReleased, nil
	case from == StatusFunded && event == EventRefundAccepted:
		return StatusRefunded, nil
	case from == StatusFunded && event == EventDisputeRaised:
		return StatusDisputed, nil
	case from == StatusDisputed && event == EventDisputeResolved:
		if decision != StatusReleased && decision != StatusRefunded {
			return "", xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("争议裁决必须为 released 或 refunded，收到 %q", decision))
		}
		return decision, nil
	case (from == StatusInitiated || from == StatusFunded) && event == EventCancelled:
		return StatusCancelled, nil
	}
	return "", invalidTransition(fmt.Sprintf("状态 %s 不允许事件 %s", from, event), ReasonNotAllowed)
}

func invalidTransition(message, reason string) error {
	return xerrors.New(xerrors.CodeInvalidTransition, message, xerrors.WithMetadata("reason", reason))
}

func duplicateTransition(status Status, event Event) error {
	return xerrors.New(xerrors.CodeInvalidTransition,
		fmt.Sprintf("托管已处于 %s，忽略重复的 %s", status, event),
		xerrors.WithMetadata(xerrors.MetaDuplicate, "true"),
		xerrors.WithMetadata("reason", "duplicate"),
	)
}
