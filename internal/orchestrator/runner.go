package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"AgentEscrow/internal/agent"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/knowledge"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor 定义了运行器所需的智能体能力。
type Executor interface {
	Run(ctx context.Context, workflowID string, in agent.Input) agent.Run
}

// EscrowInitiator 是编排器唯一可调用的托管能力。
type EscrowInitiator interface {
	Initiate(ctx context.Context, req escrow.InitiateRequest) (escrow.Workflow, error)
}

// Runner 从队列消费会话并按流水线执行。
type Runner struct {
	store       Store
	executor    Executor
	consumer    Consumer
	escrow      EscrowInitiator
	comparables knowledge.Provider
	pipeline    PipelineConfig
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) RunnerOption {
	return func(r *Runner) { r.alerter = d }
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithPipeline 替换流水线配置。
func WithPipeline(cfg PipelineConfig) RunnerOption {
	return func(r *Runner) { r.pipeline = cfg }
}

// WithEscrowInitiator 配置达成交易后的托管发起方。
func WithEscrowInitiator(e EscrowInitiator) RunnerOption {
	return func(r *Runner) { r.escrow = e }
}

// WithComparables 配置估价参考数据。
func WithComparables(p knowledge.Provider) RunnerOption {
	return func(r *Runner) { r.comparables = p }
}

// WithRunnerClock 替换时间源。
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner 构造 Runner，流水线配置不合法时返回错误。
func NewRunner(store Store, executor Executor, consumer Consumer, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		store:       store,
		executor:    executor,
		consumer:    consumer,
		pipeline:    DefaultPipelineConfig(),
		workerCount: 1,
		logger:      logger.Named("orchestrator"),
		tracer:      otel.Tracer("AgentEscrow/internal/orchestrator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.store == nil || r.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储与智能体执行器不能为空")
	}
	if r.pipeline.DefaultBackend == "" {
		r.pipeline.DefaultBackend = DefaultPipelineConfig().DefaultBackend
	}
	if err := r.pipeline.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start 启动会话处理循环，直到 ctx 结束。
func (r *Runner) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话消费者")
	}
	r.logger.Info("会话工作池启动", slog.Int("workers", r.workerCount))
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Runner) handle(ctx context.Context, sessionID string) error {
	session, err := r.store.Claim(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) || stdErrors.Is(err, ErrSessionNotClaimable) {
			r.logger.Debug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
			return nil
		}
		r.logger.Error("领取会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return err
	}
	r.metrics.SessionStarted()
	return r.execute(ctx, session)
}

// execute 按顺序执行流水线。会话内步骤严格串行，只在步骤之间响应取消。
// 发起托管后会话不再失败：后续步骤的失败与取消只记为降级。
func (r *Runner) execute(ctx context.Context, session *Session) error {
	ctx, span := r.tracer.Start(ctx, "orchestrator.session", trace.WithAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("workflow.id", session.WorkflowID),
	))
	defer span.End()

	started := r.now()
	state := newProgress(session)
	var failure error
	nonCritical := 0

	for _, step := range r.pipeline.Steps {
		if cause := r.interrupted(ctx, session.ID); cause != nil {
			if session.EscrowID != "" {
				state.degrade("托管已发起，剩余步骤未执行: " + string(xerrors.CodeOf(cause)))
				r.logger.Warn("托管发起后会话被中断",
					slog.String("session_id", session.ID),
					slog.String("escrow_id", session.EscrowID),
					slog.String("step", string(step)),
				)
				break
			}
			failure = cause
			break
		}
		if _, skip := state.skip[step]; skip && !r.pipeline.critical(step) {
			r.logger.Debug("按规划跳过步骤", slog.String("session_id", session.ID), slog.String("step", string(step)))
			continue
		}

		session.CurrentStep = step
		if err := r.store.Update(ctx, session); err != nil {
			return r.abort(ctx, session, err)
		}

		run := r.runStep(ctx, session.WorkflowID, step, state.input(step, r.pipeline.Steps, r.comparables))
		state.record(step, run)

		if !run.Success {
			if r.pipeline.critical(step) {
				failure = xerrors.Wrap(xerrors.CodePipelineFailure, run.Err(), fmt.Sprintf("关键步骤 %s 失败", step),
					xerrors.WithMetadata("step", string(step)))
				break
			}
			nonCritical++
			state.degrade(fmt.Sprintf("%s 失败: %s", step, run.ErrorCode))
			if nonCritical > r.pipeline.MaxNonCriticalFailures && session.EscrowID == "" {
				failure = xerrors.New(xerrors.CodePipelineFailure,
					fmt.Sprintf("非关键步骤失败 %d 次，超过上限 %d", nonCritical, r.pipeline.MaxNonCriticalFailures),
					xerrors.WithMetadata("step", string(step)))
				break
			}
		}

		if step == agent.TypeEscrow {
			if err := r.trigger(ctx, state); err != nil {
				session.WorkflowState[step] = StepFailed
				nonCritical++
				state.degrade("托管发起失败: " + string(xerrors.CodeOf(err)))
				if nonCritical > r.pipeline.MaxNonCriticalFailures {
					failure = xerrors.Wrap(xerrors.CodePipelineFailure, err, "托管发起失败且非关键失败超过上限")
					break
				}
			}
		}
	}

	state.merge()
	session.CurrentStep = ""
	session.TotalDurationMS = r.now().Sub(started).Milliseconds()
	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
		return r.fail(ctx, session, failure)
	}
	session.Status = StatusCompleted
	session.Success = true
	return r.finish(ctx, session, nil)
}

// interrupted 在步骤之间检查取消请求与工作池退出。
func (r *Runner) interrupted(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(CodeSessionCancelled, err, "会话工作池已停止")
	}
	latest, err := r.store.Get(ctx, sessionID)
	if err != nil {
		r.logger.Warn("读取取消标记失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	if latest.CancelRequested {
		return xerrors.New(CodeSessionCancelled, "会话已被取消")
	}
	return nil
}

// runStep 调用智能体，可重试错误最多重试 StepRetries 次。
func (r *Runner) runStep(ctx context.Context, workflowID string, step agent.Type, in agent.Input) agent.Run {
	var run agent.Run
	for attempt := 0; attempt <= r.pipeline.StepRetries; attempt++ {
		run = r.executor.Run(ctx, workflowID, in)
		if run.Success || !xerrors.RetryableError(run.Err()) || ctx.Err() != nil {
			return run
		}
		r.logger.Debug("步骤失败后重试",
			slog.String("workflow_id", workflowID),
			slog.String("step", string(step)),
			slog.Int("attempt", attempt+1),
			slog.String("error_code", string(run.ErrorCode)),
		)
	}
	return run
}

// trigger 在合并结果达成交易时发起托管。
func (r *Runner) trigger(ctx context.Context, state *progress) error {
	combined := state.merge()
	if !combined.Agreed() {
		return nil
	}
	session := state.session
	if r.escrow == nil {
		r.logger.Warn("未配置托管发起方，跳过托管", slog.String("session_id", session.ID))
		return nil
	}
	wf, err := r.escrow.Initiate(ctx, state.escrowRequest(combined, r.pipeline.DefaultBackend))
	if err != nil {
		wrapped := xerrors.Wrap(CodeEscrowTrigger, err, "发起托管失败")
		r.logger.Error("发起托管失败", slog.String("session_id", session.ID), slog.Any("error", err))
		r.emitAlert(ctx, session, wrapped, "escrow")
		return wrapped
	}
	session.EscrowID = wf.ID
	logger.Audit().Info("会话发起托管",
		slog.String("session_id", session.ID),
		slog.String("escrow_id", wf.ID),
		slog.String("buyer_id", wf.BuyerID),
		slog.String("seller_id", wf.SellerID),
		slog.Int64("amount", wf.Amount),
		slog.String("currency", wf.Currency),
	)
	return nil
}

func (r *Runner) fail(ctx context.Context, session *Session, cause error) error {
	session.Status = StatusFailed
	session.Success = false
	session.FailureCode = xerrors.CodeOf(cause)
	session.Failure = cause.Error()
	if session.CombinedOutput != nil {
		session.CombinedOutput.MarkDegraded(string(session.FailureCode))
	}
	return r.finish(ctx, session, cause)
}

// finish 写回终态。工作池退出时也要落盘，因此不继承取消。
func (r *Runner) finish(ctx context.Context, session *Session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Update(ctx, session); err != nil {
		r.logger.Error("写回会话终态失败", slog.String("session_id", session.ID), slog.Any("error", err))
		r.emitAlert(ctx, session, err, "persist")
		r.metrics.SessionFinished(string(StatusFailed))
		return nil
	}
	r.metrics.SessionFinished(string(session.Status))

	attrs := []any{
		slog.String("session_id", session.ID),
		slog.String("workflow_id", session.WorkflowID),
		slog.String("owner_id", session.OwnerID),
		slog.String("status", string(session.Status)),
		slog.Int64("total_duration_ms", session.TotalDurationMS),
		slog.Int("steps", len(session.AgentSequence)),
		slog.String("escrow_id", session.EscrowID),
	}
	if cause == nil {
		logger.Audit().Info("会话完成", attrs...)
		return nil
	}
	attrs = append(attrs, slog.String("failure_code", string(session.FailureCode)), slog.String("failure", session.Failure))
	logger.Audit().Warn("会话失败", attrs...)
	if xerrors.CodeOf(cause) != CodeSessionCancelled {
		r.emitAlert(ctx, session, cause, "terminal")
	}
	return nil
}

// abort 在中途写入失败时尝试将会话落为失败。
func (r *Runner) abort(ctx context.Context, session *Session, cause error) error {
	r.logger.Error("更新会话状态失败", slog.String("session_id", session.ID), slog.Any("error", cause))
	if stdErrors.Is(cause, ErrSessionConflict) {
		if latest, err := r.store.Get(ctx, session.ID); err == nil {
			session.Version = latest.Version
		}
	}
	return r.fail(ctx, session, xerrors.Wrap(xerrors.CodeStorageFailure, cause, "会话状态持久化失败"))
}

func (r *Runner) emitAlert(ctx context.Context, session *Session, cause error, stage string) {
	if r.alerter == nil || session == nil {
		return
	}
	event := alerting.FromError("orchestrator", session.ID, cause, map[string]string{
		"stage":       stage,
		"workflow_id": session.WorkflowID,
		"steps":       strconv.Itoa(len(session.AgentSequence)),
	})
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败",
			slog.String("session_id", session.ID),
			slog.String("stage", stage),
			slog.Any("error", err),
		)
	}
}
