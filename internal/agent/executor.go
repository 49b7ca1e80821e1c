package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/llm"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 30 * time.Second
	defaultVersion = "v1"
)

// Executor 负责调用单个智能体并记录运行结果。
type Executor struct {
	client       llm.Client
	store        RunStore
	timeout      time.Duration
	typeTimeouts map[Type]time.Duration
	version      string
	metrics      *metrics.Metrics
	alerts       alerting.Dispatcher
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// Option 定义可选的 Executor 配置。
type Option func(*Executor)

// WithTimeout 设置默认的单次调用超时。
func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithTypeTimeout 为指定智能体设置超时。
func WithTypeTimeout(t Type, timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.typeTimeouts[t] = timeout
		}
	}
}

// WithVersion 设置写入运行记录的智能体版本号。
func WithVersion(version string) Option {
	return func(e *Executor) {
		if version != "" {
			e.version = version
		}
	}
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithAlertDispatcher 配置持久化失败时的告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerts = d
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 创建执行器。store 为空时不持久化运行记录。
func NewExecutor(client llm.Client, store RunStore, opts ...Option) *Executor {
	e := &Executor{
		client:       client,
		store:        store,
		timeout:      defaultTimeout,
		typeTimeouts: make(map[Type]time.Duration),
		version:      defaultVersion,
		logger:       logger.Named("agent"),
		tracer:       otel.Tracer("AgentEscrow/internal/agent"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 执行一次智能体调用。无论成功与否都会返回运行记录，超时后不会继续阻塞。
func (e *Executor) Run(ctx context.Context, workflowID string, in Input) Run {
	started := e.now()
	run := Run{
		WorkflowID:   workflowID,
		AgentVersion: e.version,
		StartedAt:    started,
	}
	if in != nil {
		run.AgentType = in.AgentType()
		run.BrainType = BrainOf(run.AgentType)
	}

	ctx, span := e.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.type", string(run.AgentType)),
		attribute.String("workflow.id", workflowID),
	))
	defer span.End()

	e.execute(ctx, in, &run)

	run.DurationMS = e.now().Sub(started).Milliseconds()
	run.CreatedAt = e.now()
	if !run.Success {
		span.SetStatus(codes.Error, run.Error)
	}
	span.SetAttributes(attribute.Bool("agent.success", run.Success), attribute.Float64("agent.confidence", run.Confidence))
	e.metrics.ObserveAgentRun(string(run.AgentType), run.Success, time.Duration(run.DurationMS)*time.Millisecond)

	e.persist(ctx, run)
	return run
}

func (e *Executor) execute(ctx context.Context, in Input, run *Run) {
	if in == nil {
		fail(run, xerrors.CodeAgentFailure, "智能体输入为空")
		return
	}
	if !run.AgentType.Valid() {
		fail(run, xerrors.CodeAgentFailure, fmt.Sprintf("未知的智能体类型: %q", run.AgentType))
		return
	}
	raw, err := json.Marshal(in)
	if err != nil {
		fail(run, xerrors.CodeAgentFailure, fmt.Sprintf("序列化智能体输入失败: %v", err))
		return
	}
	run.Input = raw
	if e.client == nil {
		fail(run, xerrors.CodeAgentFailure, "未配置能力客户端")
		return
	}

	resp, err := e.invoke(ctx, llm.Request{
		AgentType:    string(run.AgentType),
		BrainType:    string(run.BrainType),
		AgentVersion: run.AgentVersion,
		WorkflowID:   run.WorkflowID,
		Input:        raw,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			fail(run, xerrors.CodeTimeout, fmt.Sprintf("智能体调用超时: %v", err))
			return
		}
		fail(run, xerrors.CodeAgentFailure, fmt.Sprintf("智能体调用失败: %v", err))
		return
	}
	if resp == nil {
		fail(run, xerrors.CodeAgentFailure, "能力返回空响应")
		return
	}

	decoded, err := DecodeOutput(run.AgentType, resp.Output)
	if err != nil {
		run.Output = resp.Output
		fail(run, xerrors.CodeAgentFailure, fmt.Sprintf("解析智能体输出失败: %v", err))
		return
	}
	run.Output = resp.Output
	run.Decoded = decoded
	run.Success = true
	run.Confidence = clamp(resp.Confidence)
}

// invoke 在独立 goroutine 中调用能力，保证超时后立即返回并隔离 panic。
func (e *Executor) invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	timeout := e.timeout
	if t, ok := e.typeTimeouts[Type(req.AgentType)]; ok {
		timeout = t
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *llm.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("能力调用 panic: %v", r)}
			}
		}()
		resp, err := e.client.Generate(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (e *Executor) persist(ctx context.Context, run Run) {
	if e.store == nil {
		return
	}
	if err := e.store.Append(context.WithoutCancel(ctx), run); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存智能体运行记录失败")
		e.logger.Error("保存智能体运行记录失败",
			slog.String("workflow_id", run.WorkflowID),
			slog.String("agent_type", string(run.AgentType)),
			slog.Any("error", err),
		)
		if e.alerts != nil {
			event := alerting.FromError("agent", run.WorkflowID, wrapped, map[string]string{"agent_type": string(run.AgentType)})
			if alertErr := e.alerts.Notify(context.WithoutCancel(ctx), event); alertErr != nil {
				e.logger.Warn("发送告警失败", slog.Any("error", alertErr))
			}
		}
	}
}

func fail(run *Run, code xerrors.Code, message string) {
	run.Success = false
	run.Confidence = 0
	run.ErrorCode = code
	run.Error = message
	run.Decoded = nil
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
