package escrow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	xerrors "AgentEscrow/internal/errors"
)

// Hold 是一条尚未解决、影响托管的异常记录。
type Hold struct {
	AnomalyID string
	Kind      string
	FlaggedAt time.Time
}

// Gate 提供放款前需要清除的异常。
type Gate interface {
	Holds(ctx context.Context, escrowID string) ([]Hold, error)
}

// latestByKind 返回每类验证的最新事件，events 需按写入顺序排列。
func latestByKind(events []VerificationEvent) map[Kind]VerificationEvent {
	latest := make(map[Kind]VerificationEvent, len(events))
	for _, ev := range events {
		latest[ev.Kind] = ev
	}
	return latest
}

// Verified 判断所有必需验证的最新结果是否均为通过。
func Verified(required []Kind, events []VerificationEvent) bool {
	return len(missingVerifications(required, events)) == 0
}

func missingVerifications(required []Kind, events []VerificationEvent) []string {
	latest := latestByKind(events)
	var missing []string
	for _, kind := range required {
		ev, ok := latest[kind]
		if !ok || !ev.Outcome {
			missing = append(missing, string(kind))
		}
	}
	return missing
}

// MutualConsent 判断买卖双方最新的放款同意是否都为通过。
func MutualConsent(events []VerificationEvent) bool {
	var buyer, seller *VerificationEvent
	for i := range events {
		ev := events[i]
		if ev.Kind != KindReleaseConsent {
			continue
		}
		switch ev.VerifiedBy {
		case VerifierBuyer:
			buyer = &events[i]
		case VerifierSeller:
			seller = &events[i]
		}
	}
	return buyer != nil && seller != nil && buyer.Outcome && seller.Outcome
}

// DisputedKinds 返回不同验证方最新结论互相矛盾的验证类型。
func DisputedKinds(events []VerificationEvent) []Kind {
	type source struct {
		by Verifier
		id string
	}
	latest := make(map[Kind]map[source]bool)
	for _, ev := range events {
		if latest[ev.Kind] == nil {
			latest[ev.Kind] = make(map[source]bool)
		}
		latest[ev.Kind][source{by: ev.VerifiedBy, id: ev.VerifierID}] = ev.Outcome
	}
	var disputed []Kind
	for kind, outcomes := range latest {
		var pass, fail bool
		for _, ok := range outcomes {
			if ok {
				pass = true
			} else {
				fail = true
			}
		}
		if pass && fail {
			disputed = append(disputed, kind)
		}
	}
	sort.Slice(disputed, func(i, j int) bool { return disputed[i] < disputed[j] })
	return disputed
}

// checkRelease 依次检查异常冻结、未复核的验证问题、双方同意与必需验证。
// 验证问题直接从本次加载的验证历史得出，不依赖观察者是否已经落地异常记录。
func checkRelease(wf Workflow, events []VerificationEvent, holds []Hold, mutual bool) error {
	concerns, latest := verificationConcerns(events)
	if len(holds) > 0 || len(concerns) > 0 {
		kinds := make([]string, 0, len(holds))
		for _, h := range holds {
			if h.FlaggedAt.After(latest) {
				latest = h.FlaggedAt
			}
			kinds = append(kinds, h.Kind)
		}
		if !reviewedAfter(events, latest) {
			reason := ReasonAnomalyHold
			if len(holds) == 0 {
				reason = ReasonVerificationDisputed
			}
			return xerrors.New(xerrors.CodeAnomalyBlock,
				fmt.Sprintf("托管 %s 存在未复核的异常", wf.ID),
				xerrors.WithMetadata("reason", reason),
				xerrors.WithMetadata("anomalies", strings.Join(kinds, ",")),
				xerrors.WithMetadata("concerns", strings.Join(concerns, ",")),
			)
		}
	}
	if mutual && MutualConsent(events) {
		return nil
	}
	if missing := missingVerifications(wf.RequiredVerifications, events); len(missing) > 0 {
		return xerrors.New(xerrors.CodeVerificationMismatch,
			fmt.Sprintf("缺少通过的验证: %s", strings.Join(missing, ",")),
			xerrors.WithMetadata("reason", ReasonMissingVerification),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")),
		)
	}
	return nil
}

// verificationConcerns 返回需要运营复核的验证问题及其最近出现时间：
// 不同来源结论矛盾的验证类型，以及各设备最近一次失败的自动触发。异常复核本身不计入。
func verificationConcerns(events []VerificationEvent) ([]string, time.Time) {
	var (
		concerns []string
		since    time.Time
	)
	disputed := make(map[Kind]bool)
	for _, kind := range DisputedKinds(events) {
		if kind == KindAnomalyReview {
			continue
		}
		disputed[kind] = true
		concerns = append(concerns, "disputed:"+string(kind))
	}
	devices := make(map[string]VerificationEvent)
	for _, ev := range events {
		if disputed[ev.Kind] && ev.CreatedAt.After(since) {
			since = ev.CreatedAt
		}
		if ev.Kind == KindAutomatedTrigger && ev.VerifiedBy == VerifierDevice {
			devices[ev.VerifierID] = ev
		}
	}
	for _, id := range slices.Sorted(maps.Keys(devices)) {
		ev := devices[id]
		if ev.Outcome {
			continue
		}
		concerns = append(concerns, "device_trigger_failed:"+id)
		if ev.CreatedAt.After(since) {
			since = ev.CreatedAt
		}
	}
	return concerns, since
}

func reviewedAfter(events []VerificationEvent, since time.Time) bool {
	var review *VerificationEvent
	for i := range events {
		if events[i].Kind == KindAnomalyReview {
			review = &events[i]
		}
	}
	return review != nil && review.Outcome && review.CreatedAt.After(since)
}

// checkRefund 要求由请求方的对手方接受退款，且没有争议中的验证。
func checkRefund(requestedBy, acceptedBy Verifier, events []VerificationEvent) error {
	counterpart := map[Verifier]Verifier{VerifierBuyer: VerifierSeller, VerifierSeller: VerifierBuyer}
	want, ok := counterpart[requestedBy]
	if !ok || acceptedBy != want {
		return invalidTransition(
			fmt.Sprintf("退款须由请求方的对手方接受 (请求方 %q, 接受方 %q)", requestedBy, acceptedBy),
			ReasonCounterparty,
		)
	}
	if disputed := DisputedKinds(events); len(disputed) > 0 {
		names := make([]string, len(disputed))
		for i, k := range disputed {
			names[i] = string(k)
		}
		return xerrors.New(xerrors.CodeInvalidTransition,
			fmt.Sprintf("存在争议中的验证: %s", strings.Join(names, ",")),
			xerrors.WithMetadata("reason", ReasonVerificationDisputed),
		)
	}
	return nil
}
