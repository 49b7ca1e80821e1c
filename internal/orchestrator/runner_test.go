package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/knowledge"
)

type scriptedExecutor struct {
	mu       sync.Mutex
	outputs  map[agent.Type]agent.Output
	failures map[agent.Type][]xerrors.Code
	calls    map[agent.Type]int
	inputs   map[agent.Type]agent.Input
	hook     func(step agent.Type)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		outputs: map[agent.Type]agent.Output{
			agent.TypeIntake:      agent.IntakeOutput{Category: "cameras", Condition: "used", Title: "Leica M6"},
			agent.TypeVisual:      agent.VisualOutput{Condition: "good", DamageScore: 0.1},
			agent.TypeDescription: agent.DescriptionOutput{Title: "Leica M6 classic", Description: "Well kept rangefinder."},
			agent.TypeValuation:   agent.ValuationOutput{PriceMinor: 50000, LowMinor: 45000, HighMinor: 55000, Currency: "USD"},
			agent.TypeNegotiator:  agent.NegotiationOutput{Agreed: true, BuyerID: "buyer-1", AgreedPriceMinor: 50000, Currency: "USD"},
			agent.TypeEscrow:      agent.EscrowOutput{Backend: "fiat", RequiredVerifications: []string{"inspection", "release_consent"}},
			agent.TypeLearning:    agent.LearningOutput{Insights: []string{"fast close"}},
		},
		failures: make(map[agent.Type][]xerrors.Code),
		calls:    make(map[agent.Type]int),
		inputs:   make(map[agent.Type]agent.Input),
	}
}

func (e *scriptedExecutor) failAlways(t agent.Type, code xerrors.Code) {
	e.failures[t] = slices.Repeat([]xerrors.Code{code}, 10)
}

func (e *scriptedExecutor) Run(_ context.Context, workflowID string, in agent.Input) agent.Run {
	t := in.AgentType()
	e.mu.Lock()
	e.calls[t]++
	n := e.calls[t]
	e.inputs[t] = in
	fails := e.failures[t]
	out := e.outputs[t]
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	run := agent.Run{
		WorkflowID: workflowID,
		AgentType:  t,
		BrainType:  agent.BrainOf(t),
		StartedAt:  time.Now().UTC(),
	}
	if n <= len(fails) {
		run.ErrorCode = fails[n-1]
		run.Error = fmt.Sprintf("%s scripted failure", t)
		return run
	}
	run.Success = true
	run.Confidence = 0.8
	run.Decoded = out
	return run
}

func (e *scriptedExecutor) callCount(t agent.Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[t]
}

type fakeInitiator struct {
	mu       sync.Mutex
	requests []escrow.InitiateRequest
	err      error
}

func (f *fakeInitiator) Initiate(_ context.Context, req escrow.InitiateRequest) (escrow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return escrow.Workflow{}, f.err
	}
	return escrow.Workflow{ID: fmt.Sprintf("escrow-%d", len(f.requests)), BuyerID: req.BuyerID, SellerID: req.SellerID, Amount: req.Amount, Currency: req.Currency}, nil
}

func testListing() agent.Listing {
	return agent.Listing{
		ID:               "listing-1",
		SellerID:         "seller-1",
		Title:            "Leica M6",
		Category:         "cameras",
		AskingPriceMinor: 52000,
		Currency:         "usd",
		Offers:           []agent.Offer{{BuyerID: "buyer-1", PriceMinor: 50000, Currency: "USD"}},
	}
}

type harness struct {
	store     *MemoryStore
	queue     *MemoryQueue
	service   *Service
	runner    *Runner
	executor  *scriptedExecutor
	initiator *fakeInitiator
}

func newHarness(t *testing.T, opts ...RunnerOption) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		queue:     NewMemoryQueue(256),
		executor:  newScriptedExecutor(),
		initiator: &fakeInitiator{},
	}
	h.service = NewService(h.store, h.queue, nil)
	base := []RunnerOption{WithEscrowInitiator(h.initiator)}
	runner, err := NewRunner(h.store, h.executor, h.queue, append(base, opts...)...)
	if err != nil {
		t.Fatalf("创建运行器失败: %v", err)
	}
	h.runner = runner
	return h
}

func (h *harness) startAndRun(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	session, err := h.service.Start(ctx, StartRequest{OwnerID: "owner-1", Listing: testListing()})
	if err != nil {
		t.Fatalf("启动会话失败: %v", err)
	}
	if err := h.runner.handle(ctx, session.ID); err != nil {
		t.Fatalf("处理会话失败: %v", err)
	}
	got, err := h.store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("查询会话失败: %v", err)
	}
	return got
}

func TestRunnerCompletesPipelineAndInitiatesEscrow(t *testing.T) {
	h := newHarness(t)
	session := h.startAndRun(t)

	if session.Status != StatusCompleted || !session.Success {
		t.Fatalf("期望会话完成，实际 %s success=%t failure=%s", session.Status, session.Success, session.Failure)
	}
	if !slices.Equal(session.AgentSequence, DefaultSteps) {
		t.Fatalf("智能体顺序不符: %v", session.AgentSequence)
	}
	for _, step := range DefaultSteps {
		if session.WorkflowState[step] != StepSucceeded {
			t.Fatalf("步骤 %s 状态为 %q", step, session.WorkflowState[step])
		}
	}
	if session.EscrowID != "escrow-1" {
		t.Fatalf("期望记录托管 ID，实际 %q", session.EscrowID)
	}
	if session.CombinedOutput == nil || session.CombinedOutput.Degraded {
		t.Fatalf("期望未降级的合并输出: %+v", session.CombinedOutput)
	}
	if session.CombinedOutput.Narrative.Title != "Leica M6 classic" {
		t.Fatalf("文案应来自创意推理，实际 %q", session.CombinedOutput.Narrative.Title)
	}
	if session.CurrentStep != "" {
		t.Fatalf("结束后不应保留当前步骤: %q", session.CurrentStep)
	}

	if len(h.initiator.requests) != 1 {
		t.Fatalf("期望发起一次托管，实际 %d", len(h.initiator.requests))
	}
	req := h.initiator.requests[0]
	if req.Amount != 50000 || req.Currency != "USD" || req.BuyerID != "buyer-1" || req.SellerID != "seller-1" {
		t.Fatalf("托管请求不符: %+v", req)
	}
	if req.SessionID != session.ID || req.Backend != custody.BackendFiat {
		t.Fatalf("托管请求缺少会话或后端: %+v", req)
	}
	if !slices.Equal(req.RequiredVerifications, []escrow.Kind{escrow.KindInspection}) {
		t.Fatalf("前置验证应过滤放款同意: %v", req.RequiredVerifications)
	}
}

func TestRunnerCriticalValuationFailureNeverInitiatesEscrow(t *testing.T) {
	h := newHarness(t)
	h.executor.failAlways(agent.TypeValuation, xerrors.CodeAgentFailure)
	session := h.startAndRun(t)

	if session.Status != StatusFailed || session.Success {
		t.Fatalf("期望会话失败，实际 %s", session.Status)
	}
	if session.FailureCode != xerrors.CodePipelineFailure {
		t.Fatalf("期望 PIPELINE_FAILURE，实际 %s", session.FailureCode)
	}
	if session.WorkflowState[agent.TypeValuation] != StepFailed {
		t.Fatalf("估价步骤应记录失败")
	}
	if last := session.AgentSequence[len(session.AgentSequence)-1]; last != agent.TypeValuation {
		t.Fatalf("关键失败后不应继续执行，最后一步为 %s", last)
	}
	if got := h.executor.callCount(agent.TypeValuation); got != 2 {
		t.Fatalf("可重试失败应重试一次，实际调用 %d 次", got)
	}
	if len(h.initiator.requests) != 0 || session.EscrowID != "" {
		t.Fatalf("失败会话不应发起托管")
	}
	if h.executor.callCount(agent.TypeEscrow) != 0 {
		t.Fatalf("escrow 步骤不应运行")
	}
}

func TestRunnerNonCriticalFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.executor.failAlways(agent.TypeVisual, xerrors.CodeTimeout)
	session := h.startAndRun(t)

	if session.Status != StatusCompleted || !session.Success {
		t.Fatalf("非关键失败不应终止会话，实际 %s", session.Status)
	}
	if session.WorkflowState[agent.TypeVisual] != StepFailed {
		t.Fatalf("visual 步骤应记录失败")
	}
	combined := session.CombinedOutput
	if combined == nil || !combined.Degraded {
		t.Fatalf("期望合并输出标记降级")
	}
	found := false
	for _, reason := range combined.DegradedReasons {
		if strings.Contains(reason, string(agent.TypeVisual)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("降级原因应包含失败步骤: %v", combined.DegradedReasons)
	}
	if len(h.initiator.requests) != 1 {
		t.Fatalf("降级会话仍应发起托管")
	}
}

func TestRunnerRetriesRetryableStep(t *testing.T) {
	h := newHarness(t)
	h.executor.failures[agent.TypeDescription] = []xerrors.Code{xerrors.CodeTimeout}
	session := h.startAndRun(t)

	if session.WorkflowState[agent.TypeDescription] != StepSucceeded {
		t.Fatalf("重试后应成功")
	}
	if got := h.executor.callCount(agent.TypeDescription); got != 2 {
		t.Fatalf("期望调用 2 次，实际 %d", got)
	}
	if session.CombinedOutput.Degraded {
		t.Fatalf("重试成功不应降级: %v", session.CombinedOutput.DegradedReasons)
	}
}

func TestRunnerTooManyNonCriticalFailures(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MaxNonCriticalFailures = 1
	cfg.StepRetries = 0
	h := newHarness(t, WithPipeline(cfg))
	h.executor.failAlways(agent.TypeVisual, xerrors.CodeAgentFailure)
	h.executor.failAlways(agent.TypeDescription, xerrors.CodeAgentFailure)
	session := h.startAndRun(t)

	if session.Status != StatusFailed || session.FailureCode != xerrors.CodePipelineFailure {
		t.Fatalf("期望超过容错上限后失败，实际 %s %s", session.Status, session.FailureCode)
	}
	if h.executor.callCount(agent.TypeValuation) != 0 {
		t.Fatalf("失败后不应继续执行估价")
	}
}

func TestRunnerCancelBetweenStepsRetainsState(t *testing.T) {
	h := newHarness(t)
	var sessionID string
	h.executor.hook = func(step agent.Type) {
		if step == agent.TypeVisual {
			if _, err := h.service.Cancel(context.Background(), sessionID); err != nil {
				t.Errorf("取消失败: %v", err)
			}
		}
	}
	ctx := context.Background()
	session, err := h.service.Start(ctx, StartRequest{OwnerID: "owner-1", Listing: testListing()})
	if err != nil {
		t.Fatalf("启动会话失败: %v", err)
	}
	sessionID = session.ID
	if err := h.runner.handle(ctx, sessionID); err != nil {
		t.Fatalf("处理会话失败: %v", err)
	}

	got, err := h.service.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("查询会话失败: %v", err)
	}
	if got.Status != StatusFailed || got.FailureCode != CodeSessionCancelled {
		t.Fatalf("期望取消后失败，实际 %s %s", got.Status, got.FailureCode)
	}
	if !got.CancelRequested {
		t.Fatalf("取消标记不应被清除")
	}
	want := []agent.Type{agent.TypeIntake, agent.TypeVisual}
	if !slices.Equal(got.AgentSequence, want) {
		t.Fatalf("取消应发生在步骤之间，实际顺序 %v", got.AgentSequence)
	}
	if got.WorkflowState[agent.TypeIntake] != StepSucceeded || got.WorkflowState[agent.TypeVisual] != StepSucceeded {
		t.Fatalf("已完成步骤的状态应保留: %v", got.WorkflowState)
	}
	if h.executor.callCount(agent.TypeDescription) != 0 {
		t.Fatalf("取消后不应执行后续步骤")
	}
}

func TestRunnerFailureAfterEscrowOnlyDegrades(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MaxNonCriticalFailures = 0
	cfg.StepRetries = 0
	h := newHarness(t, WithPipeline(cfg))
	h.executor.failAlways(agent.TypeLearning, xerrors.CodeAgentFailure)
	session := h.startAndRun(t)

	if session.Status != StatusCompleted || !session.Success {
		t.Fatalf("已发起托管的会话不应失败，实际 %s %s", session.Status, session.FailureCode)
	}
	if session.EscrowID != "escrow-1" || len(h.initiator.requests) != 1 {
		t.Fatalf("期望保留托管 ID，实际 %q (发起 %d 次)", session.EscrowID, len(h.initiator.requests))
	}
	if session.WorkflowState[agent.TypeLearning] != StepFailed {
		t.Fatalf("学习步骤应记为失败: %v", session.WorkflowState)
	}
	if session.CombinedOutput == nil || !session.CombinedOutput.Degraded {
		t.Fatalf("期望降级的合并输出: %+v", session.CombinedOutput)
	}
}

func TestRunnerCancelAfterEscrowCompletesSession(t *testing.T) {
	h := newHarness(t)
	var sessionID string
	h.executor.hook = func(step agent.Type) {
		if step == agent.TypeEscrow {
			if _, err := h.service.Cancel(context.Background(), sessionID); err != nil {
				t.Errorf("取消失败: %v", err)
			}
		}
	}
	ctx := context.Background()
	session, err := h.service.Start(ctx, StartRequest{OwnerID: "owner-1", Listing: testListing()})
	if err != nil {
		t.Fatalf("启动会话失败: %v", err)
	}
	sessionID = session.ID
	if err := h.runner.handle(ctx, sessionID); err != nil {
		t.Fatalf("处理会话失败: %v", err)
	}

	got, err := h.service.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("查询会话失败: %v", err)
	}
	if got.Status != StatusCompleted || got.EscrowID != "escrow-1" {
		t.Fatalf("托管发起后取消应以完成结束，实际 %s escrow=%q", got.Status, got.EscrowID)
	}
	if h.executor.callCount(agent.TypeLearning) != 0 {
		t.Fatalf("取消后不应执行学习步骤")
	}
	if got.CombinedOutput == nil || !got.CombinedOutput.Degraded {
		t.Fatalf("未执行的步骤应记为降级: %+v", got.CombinedOutput)
	}
}

func TestRunnerSkipsAlreadyClaimedSession(t *testing.T) {
	h := newHarness(t)
	session := h.startAndRun(t)
	if err := h.runner.handle(context.Background(), session.ID); err != nil {
		t.Fatalf("重复投递应被忽略: %v", err)
	}
	if got := h.executor.callCount(agent.TypeIntake); got != 1 {
		t.Fatalf("会话只应运行一次，intake 调用 %d 次", got)
	}
	if err := h.runner.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("不存在的会话应被忽略: %v", err)
	}
}

func TestRunnerEscrowInitiationFailureIsNonCritical(t *testing.T) {
	h := newHarness(t)
	h.initiator.err = xerrors.New(xerrors.CodeInvalidArgument, "买方与卖方不能相同")
	session := h.startAndRun(t)

	if session.Status != StatusCompleted {
		t.Fatalf("托管发起失败不应终止会话，实际 %s", session.Status)
	}
	if session.WorkflowState[agent.TypeEscrow] != StepFailed {
		t.Fatalf("托管发起失败应记录为步骤失败")
	}
	if session.EscrowID != "" || !session.CombinedOutput.Degraded {
		t.Fatalf("期望无托管 ID 且降级")
	}
	if session.WorkflowState[agent.TypeLearning] != StepSucceeded {
		t.Fatalf("后续步骤应继续执行")
	}
}

func TestRunnerNoDealSkipsEscrow(t *testing.T) {
	h := newHarness(t)
	h.executor.outputs[agent.TypeNegotiator] = agent.NegotiationOutput{Agreed: false}
	session := h.startAndRun(t)

	if session.Status != StatusCompleted || session.EscrowID != "" {
		t.Fatalf("未达成交易不应发起托管")
	}
	if len(h.initiator.requests) != 0 {
		t.Fatalf("不应调用托管发起方")
	}
}

func TestRunnerEnrichesValuationWithComparables(t *testing.T) {
	comparables := knowledge.NewStaticProvider([]knowledge.Comparable{
		{Title: "Leica M6 body", Category: "cameras", PriceMinor: 48000, Currency: "USD", Keywords: []string{"leica"}},
		{Title: "Road bike", Category: "bikes", PriceMinor: 90000, Currency: "USD"},
	}, 3)
	h := newHarness(t, WithComparables(comparables))
	h.startAndRun(t)

	in, ok := h.executor.inputs[agent.TypeValuation].(agent.ValuationInput)
	if !ok {
		t.Fatalf("估价输入类型不符")
	}
	if len(in.Comparables) == 0 || in.Comparables[0].Category != "cameras" {
		t.Fatalf("估价输入应附带同类参考: %+v", in.Comparables)
	}
	if in.Facts.Category != "cameras" {
		t.Fatalf("估价输入应携带已知事实: %+v", in.Facts)
	}
}

func TestRunnerWithEscrowMachine(t *testing.T) {
	machine := escrow.NewMachine(escrow.NewMemoryStore(), custody.NewLedger())
	h := newHarness(t, WithEscrowInitiator(machine))
	session := h.startAndRun(t)

	if session.EscrowID == "" {
		t.Fatalf("期望创建托管")
	}
	wf, err := machine.Get(context.Background(), session.EscrowID)
	if err != nil {
		t.Fatalf("查询托管失败: %v", err)
	}
	if wf.Status != escrow.StatusInitiated || wf.Amount != 50000 || wf.SessionID != session.ID {
		t.Fatalf("托管状态不符: %+v", wf)
	}
}

func TestRunnerProcessesSessionsConcurrently(t *testing.T) {
	h := newHarness(t, WithWorkerCount(4))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.runner.Start(ctx) }()

	const total = 20
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		session, err := h.service.Start(ctx, StartRequest{OwnerID: fmt.Sprintf("owner-%d", i), Listing: testListing()})
		if err != nil {
			t.Fatalf("启动会话失败: %v", err)
		}
		ids = append(ids, session.ID)
	}
	for _, id := range ids {
		session, err := h.service.WaitUntilFinished(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("等待会话失败: %v", err)
		}
		if session.Status != StatusCompleted {
			t.Fatalf("会话 %s 状态 %s", id, session.Status)
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("工作池退出异常: %v", err)
	}
	if got := h.executor.callCount(agent.TypeLearning); got != total {
		t.Fatalf("每个会话应恰好运行一次，learning 调用 %d 次", got)
	}
}

func TestNewRunnerValidatesPipeline(t *testing.T) {
	store := NewMemoryStore()
	exec := newScriptedExecutor()
	cases := map[string]PipelineConfig{
		"empty":     {},
		"duplicate": {Steps: []agent.Type{agent.TypeIntake, agent.TypeIntake}},
		"unknown":   {Steps: []agent.Type{"pricing"}},
		"critical":  {Steps: []agent.Type{agent.TypeIntake}, Critical: []agent.Type{agent.TypeValuation}},
		"backend":   {Steps: []agent.Type{agent.TypeIntake}, DefaultBackend: "paypal"},
		"after escrow": {
			Steps:    []agent.Type{agent.TypeIntake, agent.TypeNegotiator, agent.TypeEscrow, agent.TypeValuation},
			Critical: []agent.Type{agent.TypeValuation},
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRunner(store, exec, nil, WithPipeline(cfg)); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
				t.Fatalf("期望参数错误，实际 %v", err)
			}
		})
	}
	if _, err := NewRunner(nil, exec, nil); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("缺少存储应返回初始化错误，实际 %v", err)
	}
}
