package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TrustScorer 为新托管提供双方的信任分。
type TrustScorer interface {
	Score(ctx context.Context, subjectID string) (float64, error)
}

// Observer 在每次迁移尝试与验证写入之后收到通知，不得修改托管。
type Observer interface {
	OnTransition(ctx context.Context, record TransitionRecord)
	OnVerification(ctx context.Context, record VerificationRecord)
}

// InitiateRequest 描述一笔已谈妥的交易。
type InitiateRequest struct {
	SessionID             string          `json:"session_id,omitempty"`
	ListingID             string          `json:"listing_id"`
	BuyerID               string          `json:"buyer_id"`
	SellerID              string          `json:"seller_id"`
	Backend               custody.Backend `json:"backend_type"`
	Amount                int64           `json:"amount"`
	Currency              string          `json:"currency"`
	RequiredVerifications []Kind          `json:"required_verifications,omitempty"`
	Actor                 string          `json:"actor,omitempty"`
}

// ReleaseRequest 请求放款。Mutual 为真时允许以双方同意代替必需验证。
type ReleaseRequest struct {
	Actor  string `json:"actor,omitempty"`
	Mutual bool   `json:"mutual"`
}

// RefundRequest 描述一方请求、另一方接受的退款。
type RefundRequest struct {
	Actor       string   `json:"actor,omitempty"`
	RequestedBy Verifier `json:"requested_by"`
	AcceptedBy  Verifier `json:"accepted_by"`
}

// DisputeRequest 发起争议。
type DisputeRequest struct {
	Actor    string   `json:"actor,omitempty"`
	RaisedBy Verifier `json:"raised_by"`
	Reason   string   `json:"reason"`
}

// Resolution 是外部争议流程给出的裁决。
type Resolution struct {
	Actor    string `json:"actor,omitempty"`
	Decision Status `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// CancelRequest 在放款或入账前取消托管。
type CancelRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Machine 是托管状态的唯一写入方。
type Machine struct {
	store    Store
	custody  custody.Custody
	locker   Locker
	gate     Gate
	scorer   TrustScorer
	required []Kind

	observersMu sync.RWMutex
	observers   []Observer

	metrics *metrics.Metrics
	alerts  alerting.Dispatcher
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option 定义 Machine 的可选配置。
type Option func(*Machine)

// WithLocker 替换默认的进程内锁。
func WithLocker(l Locker) Option {
	return func(m *Machine) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithGate 接入异常冻结检查。
func WithGate(g Gate) Option {
	return func(m *Machine) {
		m.gate = g
	}
}

// WithTrustScorer 接入信任评分。
func WithTrustScorer(s TrustScorer) Option {
	return func(m *Machine) {
		m.scorer = s
	}
}

// WithRequiredVerifications 设置默认的放款前置验证。
func WithRequiredVerifications(kinds []Kind) Option {
	return func(m *Machine) {
		if len(kinds) > 0 {
			m.required = append([]Kind(nil), kinds...)
		}
	}
}

// WithObserver 注册观察者。
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithMetrics 注入指标收集器。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

// WithAlertDispatcher 配置需告警错误的通知渠道。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(m *Machine) {
		m.alerts = d
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine 创建托管状态机。
func NewMachine(store Store, c custody.Custody, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		custody:  c,
		locker:   NewMemoryLocker(),
		required: append([]Kind(nil), DefaultRequiredVerifications...),
		logger:   logger.Named("escrow"),
		tracer:   otel.Tracer("AgentEscrow/internal/escrow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AddObserver 在装配阶段追加观察者。
func (m *Machine) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, o)
}

// Initiate 创建处于 initiated 状态的托管。
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (Workflow, error) {
	if err := validateInitiate(req); err != nil {
		return Workflow{}, err
	}
	ctx, span := m.tracer.Start(ctx, "escrow.initiate", trace.WithAttributes(
		attribute.String("escrow.listing_id", req.ListingID),
		attribute.String("escrow.backend", string(req.Backend)),
	))
	defer span.End()

	required := req.RequiredVerifications
	if len(required) == 0 {
		required = m.required
	}
	now := m.now()
	wf := Workflow{
		ID:                    uuid.NewString(),
		SessionID:             req.SessionID,
		ListingID:             req.ListingID,
		BuyerID:               req.BuyerID,
		SellerID:              req.SellerID,
		Backend:               req.Backend,
		Amount:                req.Amount,
		Currency:              strings.ToUpper(req.Currency),
		Status:                StatusInitiated,
		TrustScore:            m.trustScore(ctx, req.BuyerID, req.SellerID),
		RequiredVerifications: append([]Kind(nil), required...),
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	span.SetAttributes(attribute.String("escrow.id", wf.ID))

	record := TransitionRecord{
		Escrow:  wf,
		Event:   EventInitiated,
		To:      StatusInitiated,
		Outcome: OutcomeApplied,
		Actor:   req.Actor,
		At:      now,
	}
	entry := m.entry(record, map[string]string{
		"amount":      strconv.FormatInt(wf.Amount, 10),
		"currency":    wf.Currency,
		"backend":     string(wf.Backend),
		"buyer_id":    wf.BuyerID,
		"seller_id":   wf.SellerID,
		"trust_score": strconv.FormatFloat(wf.TrustScore, 'f', 4, 64),
	}, nil)
	sealed, err := m.store.Create(ctx, wf, entry)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Workflow{}, err
	}
	m.mirror(sealed)
	m.finish(ctx, record, nil)
	return wf.Clone(), nil
}

func validateInitiate(req InitiateRequest) error {
	switch {
	case strings.TrimSpace(req.ListingID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "listing_id 不能为空")
	case strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.SellerID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "买方与卖方不能为空")
	case req.BuyerID == req.SellerID:
		return xerrors.New(xerrors.CodeInvalidArgument, "买方与卖方不能相同")
	case !req.Backend.Valid():
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的托管后端: %q", req.Backend))
	case req.Amount <= 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正数")
	case strings.TrimSpace(req.Currency) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "币种不能为空")
	}
	for _, kind := range req.RequiredVerifications {
		if !kind.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的验证类型: %q", kind))
		}
	}
	return nil
}

// trustScore 取双方信任分的较小值，评分失败时记为 0。
func (m *Machine) trustScore(ctx context.Context, buyerID, sellerID string) float64 {
	if m.scorer == nil {
		return 0
	}
	score := math.Inf(1)
	for _, subject := range []string{buyerID, sellerID} {
		s, err := m.scorer.Score(ctx, subject)
		if err != nil {
			m.logger.Warn("获取信任分失败", slog.String("subject_id", subject), slog.Any("error", err))
			return 0
		}
		score = math.Min(score, s)
	}
	return math.Max(0, math.Min(1, score))
}

// ConfirmFunding 由托管方确认入账，到账金额必须与约定金额一致。
func (m *Machine) ConfirmFunding(ctx context.Context, escrowID string, notice custody.PayInNotice) (Workflow, error) {
	return m.execute(ctx, escrowID, command{
		event: EventFundsConfirmed,
		actor: "custody:" + string(notice.Backend),
		data: map[string]string{
			"reference":    notice.Reference,
			"amount_minor": strconv.FormatInt(notice.AmountMinor, 10),
		},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			receipt, err := m.custody.ConfirmPayIn(ctx, wf.Account(), notice)
			if err != nil {
				return nil, err
			}
			if receipt.AmountMinor != wf.Amount || !strings.EqualFold(receipt.Currency, wf.Currency) {
				return nil, xerrors.New(xerrors.CodeInvalidTransition,
					fmt.Sprintf("到账 %d %s 与约定 %d %s 不一致", receipt.AmountMinor, receipt.Currency, wf.Amount, wf.Currency),
					xerrors.WithMetadata("reason", ReasonAmountMismatch),
					xerrors.WithMetadata("received_minor", strconv.FormatInt(receipt.AmountMinor, 10)),
				)
			}
			return func(next *Workflow) {
				next.FundedVia = receipt.Backend
				next.FundingReference = receipt.Reference
				next.FundedAt = m.now()
			}, nil
		},
	})
}

// Release 在守卫通过后放款给卖方。
func (m *Machine) Release(ctx context.Context, escrowID string, req ReleaseRequest) (Workflow, error) {
	return m.execute(ctx, escrowID, command{
		event: EventReleaseApproved,
		actor: req.Actor,
		data:  map[string]string{"mutual": strconv.FormatBool(req.Mutual)},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			events, err := m.store.Verifications(ctx, wf.ID)
			if err != nil {
				return nil, err
			}
			holds, err := m.holds(ctx, wf.ID)
			if err != nil {
				return nil, err
			}
			if err := checkRelease(wf, events, holds, req.Mutual); err != nil {
				return nil, err
			}
			if _, err := m.custody.Release(ctx, wf.Account()); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
}

func (m *Machine) holds(ctx context.Context, escrowID string) ([]Hold, error) {
	if m.gate == nil {
		return nil, nil
	}
	return m.gate.Holds(ctx, escrowID)
}

// Refund 在对手方接受后退款给买方。
func (m *Machine) Refund(ctx context.Context, escrowID string, req RefundRequest) (Workflow, error) {
	return m.execute(ctx, escrowID, command{
		event: EventRefundAccepted,
		actor: req.Actor,
		data: map[string]string{
			"requested_by": string(req.RequestedBy),
			"accepted_by":  string(req.AcceptedBy),
		},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			events, err := m.store.Verifications(ctx, wf.ID)
			if err != nil {
				return nil, err
			}
			if err := checkRefund(req.RequestedBy, req.AcceptedBy, events); err != nil {
				return nil, err
			}
			if _, err := m.custody.Refund(ctx, wf.Account()); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
}

// RaiseDispute 冻结已入账的托管并通知托管方。
func (m *Machine) RaiseDispute(ctx context.Context, escrowID string, req DisputeRequest) (Workflow, error) {
	switch req.RaisedBy {
	case VerifierBuyer, VerifierSeller, VerifierOperator:
	default:
		return Workflow{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("争议发起方不合法: %q", req.RaisedBy))
	}
	return m.execute(ctx, escrowID, command{
		event: EventDisputeRaised,
		actor: req.Actor,
		data:  map[string]string{"raised_by": string(req.RaisedBy), "reason": req.Reason},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			if err := m.custody.NotifyDispute(ctx, wf.Account(), req.Reason); err != nil {
				return nil, err
			}
			return func(next *Workflow) {
				next.DisputeRaised = true
				next.DisputeReason = req.Reason
			}, nil
		},
	})
}

// ResolveDispute 按裁决放款或退款。
func (m *Machine) ResolveDispute(ctx context.Context, escrowID string, res Resolution) (Workflow, error) {
	return m.execute(ctx, escrowID, command{
		event:    EventDisputeResolved,
		decision: res.Decision,
		actor:    res.Actor,
		data:     map[string]string{"decision": string(res.Decision), "note": res.Note},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			var err error
			if res.Decision == StatusReleased {
				_, err = m.custody.Release(ctx, wf.Account())
			} else {
				_, err = m.custody.Refund(ctx, wf.Account())
			}
			if err != nil {
				return nil, err
			}
			return func(next *Workflow) {
				next.Resolution = res.Decision
			}, nil
		},
	})
}

// Cancel 取消尚未入账、或已入账但资金未划出的托管。
func (m *Machine) Cancel(ctx context.Context, escrowID string, req CancelRequest) (Workflow, error) {
	return m.execute(ctx, escrowID, command{
		event: EventCancelled,
		actor: req.Actor,
		data:  map[string]string{"reason": req.Reason},
		prepare: func(ctx context.Context, wf Workflow) (func(*Workflow), error) {
			if wf.Status != StatusFunded {
				return nil, nil
			}
			acct := wf.Account()
			committed, err := m.custody.Committed(ctx, acct)
			if err != nil {
				return nil, err
			}
			if committed {
				return nil, invalidTransition("资金已不可逆划出，无法取消", ReasonFundsCommitted)
			}
			if _, err := m.custody.Refund(ctx, acct); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
}

type command struct {
	event    Event
	decision Status
	actor    string
	data     map[string]string
	// prepare 在迁移表允许之后执行守卫与托管副作用，返回对新快照的补充修改。
	prepare func(ctx context.Context, wf Workflow) (func(*Workflow), error)
}

func (m *Machine) execute(ctx context.Context, escrowID string, cmd command) (Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "escrow.transition", trace.WithAttributes(
		attribute.String("escrow.id", escrowID),
		attribute.String("escrow.event", string(cmd.event)),
	))
	defer span.End()

	unlock, err := m.locker.Lock(ctx, escrowID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Workflow{}, err
	}
	wf, record, err := m.executeLocked(ctx, escrowID, cmd)
	unlock()

	if record != nil {
		span.SetAttributes(attribute.String("escrow.outcome", string(record.Outcome)))
		m.finish(ctx, *record, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return wf, err
}

func (m *Machine) executeLocked(ctx context.Context, escrowID string, cmd command) (Workflow, *TransitionRecord, error) {
	wf, err := m.store.Get(ctx, escrowID)
	if err != nil {
		return Workflow{}, nil, err
	}
	record := &TransitionRecord{
		Escrow: wf,
		Event:  cmd.event,
		From:   wf.Status,
		Actor:  cmd.actor,
		At:     m.now(),
	}

	if wf.Status == Target(cmd.event, cmd.decision) {
		dup := duplicateTransition(wf.Status, cmd.event)
		record.To = wf.Status
		record.Outcome = OutcomeDuplicate
		record.ErrorCode = xerrors.CodeInvalidTransition
		record.Reason = "duplicate"
		m.appendAudit(ctx, *record, cmd.data, nil)
		return wf, record, dup
	}

	to, err := Next(wf.Status, cmd.event, cmd.decision)
	var mutate func(*Workflow)
	if err == nil && cmd.prepare != nil {
		mutate, err = cmd.prepare(ctx, wf)
	}
	if err != nil {
		return wf, record, m.reject(ctx, record, cmd.data, err)
	}

	next := wf.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.Version = wf.Version + 1
	next.UpdatedAt = record.At
	record.To = to
	record.Outcome = OutcomeApplied

	sealed, err := m.store.Transition(ctx, next, wf.Version, m.entry(*record, cmd.data, nil))
	if err != nil {
		// 托管副作用已经发生但状态未提交，需要人工核对。
		m.logger.Error("提交托管迁移失败",
			slog.String("escrow_id", wf.ID),
			slog.String("event", string(cmd.event)),
			slog.Any("error", err),
		)
		if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "托管副作用已执行但状态未提交",
				xerrors.WithMetadata("reason", ReasonCommitFailed),
				xerrors.WithRetryable(false),
				xerrors.WithAlert(true),
			)
		}
		return wf, record, m.reject(ctx, record, cmd.data, err)
	}
	m.mirror(sealed)
	record.Escrow = next
	return next.Clone(), record, nil
}

// reject 记录被拒绝的迁移并返回调用方可见的错误。
func (m *Machine) reject(ctx context.Context, record *TransitionRecord, data map[string]string, cause error) error {
	record.To = ""
	record.Outcome = OutcomeRejected
	record.ErrorCode = xerrors.CodeOf(cause)
	record.Reason = reasonOf(cause)
	m.appendAudit(ctx, *record, data, cause)
	return cause
}

func (m *Machine) appendAudit(ctx context.Context, record TransitionRecord, data map[string]string, cause error) {
	sealed, err := m.store.AppendAudit(context.WithoutCancel(ctx), m.entry(record, data, cause))
	if err != nil {
		m.logger.Error("写入托管审计失败",
			slog.String("escrow_id", record.Escrow.ID),
			slog.String("event", string(record.Event)),
			slog.Any("error", err),
		)
		m.alert(ctx, record.Escrow.ID, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入托管审计失败"))
		return
	}
	m.mirror(sealed)
}

func (m *Machine) entry(record TransitionRecord, data map[string]string, cause error) AuditLogEntry {
	payload := make(map[string]string, len(data)+3)
	for k, v := range data {
		if v != "" {
			payload[k] = v
		}
	}
	if record.Reason != "" {
		payload["reason"] = record.Reason
	}
	if cause != nil {
		payload["error_code"] = string(xerrors.CodeOf(cause))
		payload["error"] = cause.Error()
	}
	return AuditLogEntry{
		ID:         uuid.NewString(),
		EscrowID:   record.Escrow.ID,
		Action:     record.Event,
		Outcome:    record.Outcome,
		FromStatus: record.From,
		ToStatus:   record.To,
		Actor:      record.Actor,
		Data:       payload,
		Timestamp:  record.At,
	}
}

// mirror 将审计记录同步写入合规日志。
func (m *Machine) mirror(entry AuditLogEntry) {
	attrs := []any{
		slog.String("entry_id", entry.ID),
		slog.String("escrow_id", entry.EscrowID),
		slog.Int64("sequence", entry.Sequence),
		slog.String("action", string(entry.Action)),
		slog.String("outcome", string(entry.Outcome)),
		slog.String("from", string(entry.FromStatus)),
		slog.String("to", string(entry.ToStatus)),
		slog.String("actor", entry.Actor),
		slog.String("entry_hash", entry.EntryHash),
	}
	for _, k := range slices.Sorted(maps.Keys(entry.Data)) {
		attrs = append(attrs, slog.String("data_"+k, entry.Data[k]))
	}
	logger.Audit().Info("托管审计", attrs...)
}

func (m *Machine) finish(ctx context.Context, record TransitionRecord, err error) {
	m.metrics.ObserveEscrowTransition(string(record.Event), string(record.Outcome))
	switch record.Outcome {
	case OutcomeApplied:
		m.logger.Info("托管状态迁移",
			slog.String("escrow_id", record.Escrow.ID),
			slog.String("event", string(record.Event)),
			slog.String("from", string(record.From)),
			slog.String("to", string(record.To)),
		)
	default:
		m.logger.Warn("托管迁移未生效",
			slog.String("escrow_id", record.Escrow.ID),
			slog.String("event", string(record.Event)),
			slog.String("outcome", string(record.Outcome)),
			slog.String("reason", record.Reason),
		)
		if err != nil && record.Outcome == OutcomeRejected && xerrors.ShouldAlert(err) {
			m.alert(ctx, record.Escrow.ID, err)
		}
	}
	obsCtx := context.WithoutCancel(ctx)
	for _, o := range m.snapshotObservers() {
		o.OnTransition(obsCtx, record)
	}
}

func (m *Machine) alert(ctx context.Context, escrowID string, err error) {
	if m.alerts == nil {
		return
	}
	event := alerting.FromError("escrow", escrowID, err, nil)
	if alertErr := m.alerts.Notify(context.WithoutCancel(ctx), event); alertErr != nil {
		m.logger.Warn("发送告警失败", slog.Any("error", alertErr))
	}
}

func (m *Machine) snapshotObservers() []Observer {
	m.observersMu.RLock()
	defer m.observersMu.RUnlock()
	return append([]Observer(nil), m.observers...)
}

func reasonOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		if reason := e.Metadata()["reason"]; reason != "" {
			return reason
		}
		if e.Code() == xerrors.CodeCustodyFailure {
			return ReasonCustody
		}
	}
	return ""
}

// SubmitVerification 追加验证事件并重新计算 verified。终态托管拒绝写入并记录审计。
func (m *Machine) SubmitVerification(ctx context.Context, ev VerificationEvent) (VerificationEvent, error) {
	if err := validateVerification(ev); err != nil {
		return VerificationEvent{}, err
	}
	ctx, span := m.tracer.Start(ctx, "escrow.verification", trace.WithAttributes(
		attribute.String("escrow.id", ev.EscrowID),
		attribute.String("verification.kind", string(ev.Kind)),
	))
	defer span.End()

	now := m.now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.CreatedAt = now

	unlock, err := m.locker.Lock(ctx, ev.EscrowID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return VerificationEvent{}, err
	}
	notice, record, err := m.submitLocked(ctx, ev)
	unlock()

	if record != nil {
		m.finish(ctx, *record, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return VerificationEvent{}, err
	}
	obsCtx := context.WithoutCancel(ctx)
	for _, o := range m.snapshotObservers() {
		o.OnVerification(obsCtx, notice)
	}
	return ev, nil
}

func (m *Machine) submitLocked(ctx context.Context, ev VerificationEvent) (VerificationRecord, *TransitionRecord, error) {
	wf, err := m.store.Get(ctx, ev.EscrowID)
	if err != nil {
		return VerificationRecord{}, nil, err
	}
	if wf.Status.Terminal() {
		record := &TransitionRecord{
			Escrow: wf,
			Event:  EventVerification,
			From:   wf.Status,
			Actor:  string(ev.VerifiedBy) + ":" + ev.VerifierID,
			At:     ev.CreatedAt,
		}
		cause := invalidTransition(fmt.Sprintf("托管已处于终态 %s，拒绝验证事件", wf.Status), ReasonTerminal)
		data := map[string]string{
			"event_id":    ev.ID,
			"kind":        string(ev.Kind),
			"verified_by": string(ev.VerifiedBy),
			"outcome":     strconv.FormatBool(ev.Outcome),
		}
		return VerificationRecord{}, record, m.reject(ctx, record, data, cause)
	}

	history, err := m.store.Verifications(ctx, ev.EscrowID)
	if err != nil {
		return VerificationRecord{}, nil, err
	}
	history = append(history, ev)

	next := wf.Clone()
	next.Verified = Verified(next.RequiredVerifications, history)
	next.Version = wf.Version + 1
	next.UpdatedAt = ev.CreatedAt
	if err := m.store.AppendVerification(ctx, ev, next, wf.Version); err != nil {
		return VerificationRecord{}, nil, err
	}
	logger.Audit().Info("托管验证事件",
		slog.String("event_id", ev.ID),
		slog.String("escrow_id", ev.EscrowID),
		slog.String("kind", string(ev.Kind)),
		slog.String("verified_by", string(ev.VerifiedBy)),
		slog.String("verifier_id", ev.VerifierID),
		slog.Bool("outcome", ev.Outcome),
		slog.Bool("verified", next.Verified),
	)
	return VerificationRecord{Escrow: next, Event: ev, History: history}, nil, nil
}

func validateVerification(ev VerificationEvent) error {
	switch {
	case strings.TrimSpace(ev.EscrowID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow_id 不能为空")
	case !ev.Kind.Valid():
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的验证类型: %q", ev.Kind))
	case !ev.VerifiedBy.Valid():
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的验证来源: %q", ev.VerifiedBy))
	case ev.Kind == KindAnomalyReview && ev.VerifiedBy != VerifierOperator:
		return xerrors.New(xerrors.CodeInvalidArgument, "异常复核只能由运营人员提交")
	case ev.Kind == KindReleaseConsent && ev.VerifiedBy != VerifierBuyer && ev.VerifiedBy != VerifierSeller:
		return xerrors.New(xerrors.CodeInvalidArgument, "放款同意只能由买方或卖方提交")
	}
	return nil
}

// attestationNamespace 用于从链上交易派生稳定的验证事件 ID。
var attestationNamespace = uuid.MustParse("6f1c3a52-8d47-4b8e-9a53-2a0f6c1e7d90")

// HandleAttestation 将链上设备证明写为验证事件，重复投递视为成功。
func (m *Machine) HandleAttestation(ctx context.Context, att custody.DeviceAttestation) error {
	kind := Kind(att.Kind)
	if !kind.Valid() || kind == KindAnomalyReview || kind == KindReleaseConsent {
		kind = KindAutomatedTrigger
	}
	_, err := m.SubmitVerification(ctx, VerificationEvent{
		ID:         uuid.NewSHA1(attestationNamespace, []byte(att.TxHash+"/"+att.Kind)).String(),
		EscrowID:   att.EscrowID,
		Kind:       kind,
		VerifiedBy: VerifierDevice,
		VerifierID: att.Device,
		Outcome:    att.Outcome,
		Evidence:   att.TxHash,
	})
	if xerrors.IsCode(err, xerrors.CodeConflict) {
		return nil
	}
	return err
}

// Get 返回托管快照。
func (m *Machine) Get(ctx context.Context, escrowID string) (Workflow, error) {
	return m.store.Get(ctx, escrowID)
}

// AuditTrail 返回托管的完整审计链。
func (m *Machine) AuditTrail(ctx context.Context, escrowID string) ([]AuditLogEntry, error) {
	return m.store.AuditTrail(ctx, escrowID)
}

// VerifyAudit 校验托管审计链的完整性。
func (m *Machine) VerifyAudit(ctx context.Context, escrowID string) error {
	entries, err := m.store.AuditTrail(ctx, escrowID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// Verifications 返回托管的验证事件。
func (m *Machine) Verifications(ctx context.Context, escrowID string) ([]VerificationEvent, error) {
	return m.store.Verifications(ctx, escrowID)
}

// History 返回主体参与的托管与验证事件，供信任评分使用。
func (m *Machine) History(ctx context.Context, subjectID string) (PartyHistory, error) {
	return NewHistories(m.store).History(ctx, subjectID)
}

// Histories 直接从存储读取主体历史。信任服务需要在 Machine 装配之前拿到历史来源。
type Histories struct {
	store Store
}

// NewHistories 基于托管存储创建历史读取器。
func NewHistories(store Store) *Histories {
	return &Histories{store: store}
}

// History 返回主体参与的托管与验证事件。
func (h *Histories) History(ctx context.Context, subjectID string) (PartyHistory, error) {
	escrows, err := h.store.ListByParty(ctx, subjectID)
	if err != nil {
		return PartyHistory{}, err
	}
	history := PartyHistory{Escrows: escrows}
	for _, wf := range escrows {
		events, err := h.store.Verifications(ctx, wf.ID)
		if err != nil {
			return PartyHistory{}, err
		}
		history.Verifications = append(history.Verifications, events...)
	}
	return history, nil
}
