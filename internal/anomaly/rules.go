package anomaly

import (
	"fmt"
	"strings"
	"time"

	"AgentEscrow/internal/escrow"
)

// Rules 是评分规则的参数。
type Rules struct {
	// Threshold 以下的分数不记录。
	Threshold float64
	// VelocityWindow 内同一买方发起超过 VelocityLimit 笔托管视为异常。
	VelocityWindow time.Duration
	VelocityLimit  int
	// RapidDisputeWindow 内在到账后发起争议视为异常。
	RapidDisputeWindow time.Duration
	// RejectionLimit 是同一托管被拒绝操作的告警次数。
	RejectionLimit int
	// HighValueMinor 及以上金额且信任分低于 LowTrustScore 的托管需要复核。
	HighValueMinor int64
	LowTrustScore  float64
}

// DefaultRules 返回默认规则。
func DefaultRules() Rules {
	return Rules{
		Threshold:          0.4,
		VelocityWindow:     time.Hour,
		VelocityLimit:      5,
		RapidDisputeWindow: 10 * time.Minute,
		RejectionLimit:     3,
		HighValueMinor:     1_000_000,
		LowTrustScore:      0.5,
	}
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if r.Threshold <= 0 {
		r.Threshold = def.Threshold
	}
	if r.VelocityWindow <= 0 {
		r.VelocityWindow = def.VelocityWindow
	}
	if r.VelocityLimit <= 0 {
		r.VelocityLimit = def.VelocityLimit
	}
	if r.RapidDisputeWindow <= 0 {
		r.RapidDisputeWindow = def.RapidDisputeWindow
	}
	if r.RejectionLimit <= 0 {
		r.RejectionLimit = def.RejectionLimit
	}
	if r.HighValueMinor <= 0 {
		r.HighValueMinor = def.HighValueMinor
	}
	if r.LowTrustScore <= 0 {
		r.LowTrustScore = def.LowTrustScore
	}
	return r
}

// Finding 是一次评分的结果，尚未经过阈值与去重。
type Finding struct {
	Kind         Kind
	Score        float64
	EscrowImpact bool
	EscrowID     string
	SubjectID    string
	Detail       string
}

// VelocityScore 计算发起频率异常分，未超限时为 0。
func VelocityScore(count, limit int) float64 {
	excess := count - limit
	if excess <= 0 {
		return 0
	}
	return min(1, 0.5+0.1*float64(excess))
}

// fundingFindings 处理到账相关的拒绝。
func fundingFindings(record escrow.TransitionRecord) []Finding {
	if record.Outcome != escrow.OutcomeRejected || record.Event != escrow.EventFundsConfirmed ||
		record.Reason != escrow.ReasonAmountMismatch {
		return nil
	}
	wf := record.Escrow
	return []Finding{{
		Kind:         KindFundingMismatch,
		Score:        0.75,
		EscrowImpact: true,
		EscrowID:     wf.ID,
		SubjectID:    wf.BuyerID,
		Detail:       fmt.Sprintf("到账与托管 %d %s 不符", wf.Amount, wf.Currency),
	}}
}

// initiationFindings 检查新托管的金额与信任分。
func initiationFindings(rules Rules, record escrow.TransitionRecord) []Finding {
	wf := record.Escrow
	if record.Outcome != escrow.OutcomeApplied || record.Event != escrow.EventInitiated {
		return nil
	}
	if wf.Amount < rules.HighValueMinor || wf.TrustScore >= rules.LowTrustScore {
		return nil
	}
	return []Finding{{
		Kind:         KindHighValueLowTrust,
		Score:        0.6,
		EscrowImpact: true,
		EscrowID:     wf.ID,
		SubjectID:    wf.BuyerID,
		Detail:       fmt.Sprintf("金额 %d %s，信任分 %.2f", wf.Amount, wf.Currency, wf.TrustScore),
	}}
}

// disputeFindings 检查到账后过快发起的争议。
func disputeFindings(rules Rules, record escrow.TransitionRecord) []Finding {
	wf := record.Escrow
	if record.Outcome != escrow.OutcomeApplied || record.Event != escrow.EventDisputeRaised || wf.FundedAt.IsZero() {
		return nil
	}
	elapsed := record.At.Sub(wf.FundedAt)
	if elapsed >= rules.RapidDisputeWindow {
		return nil
	}
	return []Finding{{
		Kind:      KindRapidDispute,
		Score:     0.45,
		EscrowID:  wf.ID,
		SubjectID: record.Actor,
		Detail:    fmt.Sprintf("到账后 %s 发起争议", elapsed.Round(time.Second)),
	}}
}

// verificationFindings 检查验证结果之间的矛盾与设备失败。
func verificationFindings(record escrow.VerificationRecord) []Finding {
	var out []Finding
	ev := record.Event
	if ev.Kind == escrow.KindAutomatedTrigger && ev.VerifiedBy == escrow.VerifierDevice && !ev.Outcome {
		out = append(out, Finding{
			Kind:         KindDeviceTriggerFailed,
			Score:        0.5,
			EscrowImpact: true,
			EscrowID:     record.Escrow.ID,
			SubjectID:    ev.VerifierID,
			Detail:       "设备触发失败: " + ev.Evidence,
		})
	}
	if kinds := escrow.DisputedKinds(record.History); len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		out = append(out, Finding{
			Kind:         KindInconsistentVerification,
			Score:        0.8,
			EscrowImpact: true,
			EscrowID:     record.Escrow.ID,
			Detail:       "验证结果矛盾: " + strings.Join(names, ","),
		})
	}
	return out
}
