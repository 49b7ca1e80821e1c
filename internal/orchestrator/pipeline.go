package orchestrator

import (
	"fmt"
	"slices"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/brain"
	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/knowledge"
)

// DefaultSteps 是默认的流水线顺序。
var DefaultSteps = []agent.Type{
	agent.TypeIntake,
	agent.TypeVisual,
	agent.TypeDescription,
	agent.TypeValuation,
	agent.TypeNegotiator,
	agent.TypeEscrow,
	agent.TypeLearning,
}

// DefaultCriticalSteps 失败即终止会话的步骤。
var DefaultCriticalSteps = []agent.Type{agent.TypeIntake, agent.TypeValuation}

// PipelineConfig 描述流水线的步骤与容错策略。
type PipelineConfig struct {
	Steps                  []agent.Type
	Critical               []agent.Type
	StepRetries            int
	MaxNonCriticalFailures int
	DefaultBackend         custody.Backend
}

// DefaultPipelineConfig 返回默认配置。
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Steps:                  slices.Clone(DefaultSteps),
		Critical:               slices.Clone(DefaultCriticalSteps),
		StepRetries:            1,
		MaxNonCriticalFailures: 3,
		DefaultBackend:         custody.BackendFiat,
	}
}

// Validate 检查步骤合法且不重复，关键步骤必须出现在流水线中且位于托管步骤之前。
func (c PipelineConfig) Validate() error {
	if len(c.Steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线步骤不能为空")
	}
	seen := make(map[agent.Type]struct{}, len(c.Steps))
	for _, step := range c.Steps {
		if !step.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的流水线步骤: %q", step))
		}
		if _, ok := seen[step]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("流水线步骤重复: %q", step))
		}
		seen[step] = struct{}{}
	}
	for _, step := range c.Critical {
		if _, ok := seen[step]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("关键步骤 %q 不在流水线中", step))
		}
	}
	if at := slices.Index(c.Steps, agent.TypeEscrow); at >= 0 {
		for _, step := range c.Steps[at+1:] {
			if c.critical(step) {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("关键步骤 %q 不能位于托管步骤之后", step))
			}
		}
	}
	if c.StepRetries < 0 || c.MaxNonCriticalFailures < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "重试次数与容错上限不能为负数")
	}
	if c.DefaultBackend != "" && !c.DefaultBackend.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的托管后端: %q", c.DefaultBackend))
	}
	return nil
}

func (c PipelineConfig) critical(step agent.Type) bool {
	return slices.Contains(c.Critical, step)
}

// progress 是一次会话执行期间的推理状态。
type progress struct {
	session  *Session
	failures []string
	skip     map[agent.Type]struct{}
	advice   *agent.EscrowOutput
}

func newProgress(s *Session) *progress {
	if s.WorkflowState == nil {
		s.WorkflowState = make(map[agent.Type]StepStatus)
	}
	return &progress{session: s, skip: make(map[agent.Type]struct{})}
}

func (p *progress) reasoning(t brain.Type) *brain.Reasoning {
	switch t {
	case brain.TypeAnalytical:
		if p.session.AnalyticalOutput == nil {
			p.session.AnalyticalOutput = &brain.Reasoning{}
		}
		return p.session.AnalyticalOutput
	case brain.TypeCreative:
		if p.session.CreativeOutput == nil {
			p.session.CreativeOutput = &brain.Reasoning{}
		}
		return p.session.CreativeOutput
	}
	return nil
}

// merge 合并当前双脑输出，并附加已知的降级原因。
func (p *progress) merge() brain.Combined {
	combined := brain.Merge(p.session.AnalyticalOutput, p.session.CreativeOutput)
	for _, reason := range p.failures {
		combined.MarkDegraded(reason)
	}
	p.session.CombinedOutput = combined.Clone()
	return combined
}

func (p *progress) record(step agent.Type, run agent.Run) {
	s := p.session
	s.AgentSequence = append(s.AgentSequence, step)
	if !run.Success {
		s.WorkflowState[step] = StepFailed
		return
	}
	s.WorkflowState[step] = StepSucceeded
	if run.Decoded == nil {
		return
	}
	switch out := run.Decoded.(type) {
	case agent.EscrowOutput:
		p.advice = &out
	case agent.OrchestratorOutput:
		for _, t := range out.Skip {
			p.skip[t] = struct{}{}
		}
	}
	if r := p.reasoning(run.BrainType); r != nil {
		run.Decoded.Contribute(r)
		r.AddSource(string(step), run.Confidence)
	}
}

func (p *progress) degrade(reason string) {
	if !slices.Contains(p.failures, reason) {
		p.failures = append(p.failures, reason)
	}
}

func (p *progress) facts() brain.Facts {
	return brain.Merge(p.session.AnalyticalOutput, p.session.CreativeOutput).Facts
}

// input 根据会话当前状态构造步骤输入。
func (p *progress) input(step agent.Type, pipeline []agent.Type, comparables knowledge.Provider) agent.Input {
	listing := p.session.Listing
	switch step {
	case agent.TypeIntake:
		return agent.IntakeInput{Listing: listing}
	case agent.TypeVisual:
		return agent.VisualInput{ListingID: listing.ID, Title: listing.Title, Images: slices.Clone(listing.Images)}
	case agent.TypeDescription:
		return agent.DescriptionInput{Listing: listing, Facts: p.facts()}
	case agent.TypeValuation:
		facts := p.facts()
		in := agent.ValuationInput{Listing: listing, Facts: facts}
		if comparables != nil {
			category := facts.Category
			if category == "" {
				category = listing.Category
			}
			in.Comparables = comparables.Query(category, listing.Title)
		}
		return in
	case agent.TypeNegotiator:
		return agent.NegotiationInput{Listing: listing, Facts: p.facts(), Offers: slices.Clone(listing.Offers)}
	case agent.TypeEscrow:
		facts := p.facts()
		return agent.EscrowInput{Listing: listing, Deal: facts.Deal, RiskScore: facts.RiskScore}
	case agent.TypeLearning:
		combined := p.merge()
		return agent.LearningInput{
			ListingID:     listing.ID,
			Combined:      &combined,
			AgentSequence: slices.Clone(p.session.AgentSequence),
			Failures:      slices.Clone(p.failures),
		}
	case agent.TypeOrchestrator:
		return agent.OrchestratorInput{Listing: listing, Pipeline: slices.Clone(pipeline)}
	}
	return nil
}

// escrowRequest 把达成的交易转换为托管发起请求。
func (p *progress) escrowRequest(combined brain.Combined, fallback custody.Backend) escrow.InitiateRequest {
	s := p.session
	deal := combined.Facts.Deal
	currency := deal.Currency
	if currency == "" {
		currency = combined.Facts.Currency
	}
	if currency == "" {
		currency = s.Listing.Currency
	}
	req := escrow.InitiateRequest{
		SessionID: s.ID,
		ListingID: s.Listing.ID,
		BuyerID:   deal.BuyerID,
		SellerID:  s.Listing.SellerID,
		Backend:   fallback,
		Amount:    deal.PriceMinor,
		Currency:  currency,
		Actor:     "orchestrator",
	}
	if p.advice != nil {
		if b := custody.Backend(p.advice.Backend); b.Valid() {
			req.Backend = b
		}
		for _, k := range p.advice.RequiredVerifications {
			if kind := escrow.Kind(k); requirable(kind) && !slices.Contains(req.RequiredVerifications, kind) {
				req.RequiredVerifications = append(req.RequiredVerifications, kind)
			}
		}
	}
	return req
}

// 放款同意与异常复核不能作为前置验证。
func requirable(k escrow.Kind) bool {
	return k.Valid() && k != escrow.KindReleaseConsent && k != escrow.KindAnomalyReview
}
