package anomaly

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/events"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"

	"github.com/google/uuid"
)

// Monitor 作为托管观察者对迁移与验证事件打分，并向放款守卫提供拦截。
type Monitor struct {
	store   Store
	rules   Rules
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	alerts  alerting.Dispatcher
	emitter Emitter

	mu          sync.Mutex
	initiations map[string][]time.Time
	rejections  map[string]int
}

// Emitter 将异常发布到合规事件流。
type Emitter interface {
	Emit(ctx context.Context, eventType, escrowID, subjectID string, payload any)
}

// Option 自定义监控器。
type Option func(*Monitor)

// WithRules 设置评分规则，零值字段使用默认值。
func WithRules(r Rules) Option {
	return func(m *Monitor) { m.rules = r.withDefaults() }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithAlertDispatcher 设置 high 与 critical 异常的告警出口。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(m *Monitor) { m.alerts = d }
}

// WithEmitter 设置合规事件出口。
func WithEmitter(e Emitter) Option {
	return func(m *Monitor) { m.emitter = e }
}

// NewMonitor 创建异常监控器。
func NewMonitor(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:       store,
		rules:       DefaultRules(),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.Named("anomaly"),
		initiations: make(map[string][]time.Time),
		rejections:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition 实现 escrow.Observer。
func (m *Monitor) OnTransition(ctx context.Context, record escrow.TransitionRecord) {
	var findings []Finding
	findings = append(findings, fundingFindings(record)...)
	findings = append(findings, initiationFindings(m.rules, record)...)
	findings = append(findings, disputeFindings(m.rules, record)...)
	findings = append(findings, m.velocityFindings(record)...)
	findings = append(findings, m.rejectionFindings(record)...)
	m.flagAll(ctx, findings)
}

// OnVerification 实现 escrow.Observer。
func (m *Monitor) OnVerification(ctx context.Context, record escrow.VerificationRecord) {
	m.flagAll(ctx, verificationFindings(record))
}

func (m *Monitor) velocityFindings(record escrow.TransitionRecord) []Finding {
	if record.Outcome != escrow.OutcomeApplied || record.Event != escrow.EventInitiated {
		return nil
	}
	buyer := record.Escrow.BuyerID
	at := record.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	cutoff := at.Add(-m.rules.VelocityWindow)
	window := m.initiations[buyer][:0]
	for _, t := range m.initiations[buyer] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}
	window = append(window, at)
	m.initiations[buyer] = window
	count := len(window)
	m.mu.Unlock()

	score := VelocityScore(count, m.rules.VelocityLimit)
	if score == 0 {
		return nil
	}
	return []Finding{{
		Kind:      KindAbnormalVelocity,
		Score:     score,
		EscrowID:  record.Escrow.ID,
		SubjectID: buyer,
		Detail:    strconv.Itoa(count) + " 笔托管发起于 " + m.rules.VelocityWindow.String() + " 内",
	}}
}

func (m *Monitor) rejectionFindings(record escrow.TransitionRecord) []Finding {
	if record.Outcome != escrow.OutcomeRejected {
		return nil
	}
	m.mu.Lock()
	m.rejections[record.Escrow.ID]++
	count := m.rejections[record.Escrow.ID]
	if record.Escrow.Status.Terminal() {
		delete(m.rejections, record.Escrow.ID)
	}
	m.mu.Unlock()
	if count < m.rules.RejectionLimit {
		return nil
	}
	return []Finding{{
		Kind:      KindRepeatedRejections,
		Score:     0.45,
		EscrowID:  record.Escrow.ID,
		SubjectID: record.Actor,
		Detail:    "累计 " + strconv.Itoa(count) + " 次被拒绝的操作，最近一次 " + string(record.Event),
	}}
}

func (m *Monitor) flagAll(ctx context.Context, findings []Finding) {
	for _, f := range findings {
		if _, _, err := m.Flag(ctx, f); err != nil {
			m.logger.Error("记录异常失败",
				slog.String("kind", string(f.Kind)),
				slog.String("escrow_id", f.EscrowID),
				slog.Any("error", err),
			)
		}
	}
}

// Flag 记录一条评分结果。低于阈值时不记录；同类未解决记录存在时刷新其最近触发时间，返回该记录且 created 为 false。
func (m *Monitor) Flag(ctx context.Context, f Finding) (record Record, created bool, err error) {
	if f.Score < m.rules.Threshold {
		return Record{}, false, nil
	}
	now := m.now()
	record = Record{
		ID:           uuid.NewString(),
		Kind:         f.Kind,
		Severity:     SeverityFor(f.Score),
		Score:        f.Score,
		EscrowImpact: f.EscrowImpact,
		EscrowID:     f.EscrowID,
		SubjectID:    f.SubjectID,
		Detail:       f.Detail,
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stored, err := m.store.Create(ctx, record)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeConflict) {
			m.logger.Info("异常再次触发",
				slog.String("anomaly_id", stored.ID),
				slog.String("kind", string(stored.Kind)),
				slog.String("escrow_id", stored.EscrowID),
			)
			return stored, false, nil
		}
		return Record{}, false, err
	}

	m.metrics.ObserveAnomaly(string(stored.Kind), string(stored.Severity))
	m.logger.Warn("检测到交易异常",
		slog.String("anomaly_id", stored.ID),
		slog.String("kind", string(stored.Kind)),
		slog.String("severity", string(stored.Severity)),
		slog.String("escrow_id", stored.EscrowID),
	)
	logger.Audit().Info("异常记录",
		slog.String("anomaly_id", stored.ID),
		slog.String("kind", string(stored.Kind)),
		slog.String("severity", string(stored.Severity)),
		slog.Float64("score", stored.Score),
		slog.Bool("escrow_impact", stored.EscrowImpact),
		slog.String("escrow_id", stored.EscrowID),
		slog.String("subject_id", stored.SubjectID),
		slog.String("detail", stored.Detail),
	)
	if m.emitter != nil {
		m.emitter.Emit(ctx, events.TypeAnomalyFlagged, stored.EscrowID, stored.SubjectID, stored)
	}
	m.alert(ctx, stored)
	return stored, true, nil
}

func (m *Monitor) alert(ctx context.Context, record Record) {
	if m.alerts == nil {
		return
	}
	var severity xerrors.Severity
	switch record.Severity {
	case SeverityCritical:
		severity = xerrors.SeverityCritical
	case SeverityHigh:
		severity = xerrors.SeverityWarning
	default:
		return
	}
	event := alerting.Event{
		Code:     CodeAnomalyDetected,
		Message:  "检测到交易异常: " + string(record.Kind),
		Severity: severity,
		Source:   "anomaly",
		Subject:  record.EscrowID,
		Metadata: map[string]string{
			"anomaly_id":    record.ID,
			"kind":          string(record.Kind),
			"score":         strconv.FormatFloat(record.Score, 'f', 2, 64),
			"escrow_impact": strconv.FormatBool(record.EscrowImpact),
			"subject_id":    record.SubjectID,
		},
		OccurredAt: record.CreatedAt,
	}
	if err := m.alerts.Notify(context.WithoutCancel(ctx), event); err != nil {
		m.logger.Warn("发送异常告警失败", slog.Any("error", err))
	}
}

// Resolve 由运营人员显式解决异常。
func (m *Monitor) Resolve(ctx context.Context, id, operator, note string) (Record, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(operator) == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "异常 ID 与操作人不能为空")
	}
	record, err := m.store.Resolve(ctx, id, operator, note, m.now())
	if err != nil {
		return Record{}, err
	}
	m.logger.Info("异常已解决",
		slog.String("anomaly_id", record.ID),
		slog.String("resolved_by", operator),
	)
	logger.Audit().Info("异常解决",
		slog.String("anomaly_id", record.ID),
		slog.String("kind", string(record.Kind)),
		slog.String("escrow_id", record.EscrowID),
		slog.String("resolved_by", operator),
		slog.String("note", note),
	)
	return record, nil
}

// Get 返回单条异常。
func (m *Monitor) Get(ctx context.Context, id string) (Record, error) {
	return m.store.Get(ctx, id)
}

// List 按条件列出异常。
func (m *Monitor) List(ctx context.Context, filter Filter) ([]Record, error) {
	return m.store.List(ctx, filter)
}

// Holds 实现 escrow.Gate。
func (m *Monitor) Holds(ctx context.Context, escrowID string) ([]escrow.Hold, error) {
	records, err := m.store.Holds(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	holds := make([]escrow.Hold, 0, len(records))
	for _, r := range records {
		holds = append(holds, escrow.Hold{AnomalyID: r.ID, Kind: string(r.Kind), FlaggedAt: r.FlaggedAt()})
	}
	return holds, nil
}

var (
	_ escrow.Observer = (*Monitor)(nil)
	_ escrow.Gate     = (*Monitor)(nil)
)
