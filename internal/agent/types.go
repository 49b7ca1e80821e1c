package agent

import (
	"encoding/json"
	"fmt"

	"AgentEscrow/internal/brain"
	"AgentEscrow/internal/knowledge"
)

// Type 标识流水线中的一个智能体。
type Type string

// 支持的智能体类型。
const (
	TypeIntake       Type = "intake"
	TypeVisual       Type = "visual"
	TypeDescription  Type = "description"
	TypeValuation    Type = "valuation"
	TypeNegotiator   Type = "negotiator"
	TypeEscrow       Type = "escrow"
	TypeLearning     Type = "learning"
	TypeOrchestrator Type = "orchestrator"
)

// Types 返回全部已知的智能体类型。
func Types() []Type {
	return []Type{TypeIntake, TypeVisual, TypeDescription, TypeValuation, TypeNegotiator, TypeEscrow, TypeLearning, TypeOrchestrator}
}

// Valid 判断类型是否已知。
func (t Type) Valid() bool {
	switch t {
	case TypeIntake, TypeVisual, TypeDescription, TypeValuation, TypeNegotiator, TypeEscrow, TypeLearning, TypeOrchestrator:
		return true
	}
	return false
}

// BrainOf 返回智能体所属的推理类型。
func BrainOf(t Type) brain.Type {
	switch t {
	case TypeIntake, TypeVisual, TypeValuation:
		return brain.TypeAnalytical
	case TypeDescription, TypeNegotiator:
		return brain.TypeCreative
	default:
		return brain.TypeCombined
	}
}

// Listing 是调用方提交的待交易商品。
type Listing struct {
	ID               string            `json:"id"`
	SellerID         string            `json:"seller_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Category         string            `json:"category,omitempty"`
	AskingPriceMinor int64             `json:"asking_price_minor"`
	FloorPriceMinor  int64             `json:"floor_price_minor,omitempty"`
	Currency         string            `json:"currency"`
	Images           []string          `json:"images,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	Offers           []Offer           `json:"offers,omitempty"`
}

// Offer 是买家的出价。
type Offer struct {
	BuyerID    string `json:"buyer_id"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

// Input 是各智能体输入的标记联合。
type Input interface {
	AgentType() Type
}

// Output 是各智能体输出的标记联合。Contribute 将输出并入所属推理链。
type Output interface {
	AgentType() Type
	Contribute(r *brain.Reasoning)
}

// IntakeInput 对应 intake 智能体。
type IntakeInput struct {
	Listing Listing `json:"listing"`
}

// VisualInput 对应 visual 智能体。
type VisualInput struct {
	ListingID string   `json:"listing_id"`
	Title     string   `json:"title"`
	Images    []string `json:"images"`
}

// DescriptionInput 对应 description 智能体。
type DescriptionInput struct {
	Listing Listing     `json:"listing"`
	Facts   brain.Facts `json:"facts"`
}

// ValuationInput 对应 valuation 智能体，附带市场参考成交。
type ValuationInput struct {
	Listing     Listing                `json:"listing"`
	Facts       brain.Facts            `json:"facts"`
	Comparables []knowledge.Comparable `json:"comparables,omitempty"`
}

// NegotiationInput 对应 negotiator 智能体。
type NegotiationInput struct {
	Listing Listing     `json:"listing"`
	Facts   brain.Facts `json:"facts"`
	Offers  []Offer     `json:"offers"`
}

// EscrowInput 对应 escrow 智能体。
type EscrowInput struct {
	Listing   Listing     `json:"listing"`
	Deal      *brain.Deal `json:"deal,omitempty"`
	RiskScore *float64    `json:"risk_score,omitempty"`
}

// LearningInput 对应 learning 智能体。
type LearningInput struct {
	ListingID     string          `json:"listing_id"`
	Combined      *brain.Combined `json:"combined,omitempty"`
	AgentSequence []Type          `json:"agent_sequence"`
	Failures      []string        `json:"failures,omitempty"`
}

// OrchestratorInput 对应 orchestrator 智能体。
type OrchestratorInput struct {
	Listing  Listing `json:"listing"`
	Pipeline []Type  `json:"pipeline"`
}

func (IntakeInput) AgentType() Type       { return TypeIntake }
func (VisualInput) AgentType() Type       { return TypeVisual }
func (DescriptionInput) AgentType() Type  { return TypeDescription }
func (ValuationInput) AgentType() Type    { return TypeValuation }
func (NegotiationInput) AgentType() Type  { return TypeNegotiator }
func (EscrowInput) AgentType() Type       { return TypeEscrow }
func (LearningInput) AgentType() Type     { return TypeLearning }
func (OrchestratorInput) AgentType() Type { return TypeOrchestrator }

// IntakeOutput 是规范化后的商品信息。
type IntakeOutput struct {
	Category      string   `json:"category"`
	Condition     string   `json:"condition"`
	Title         string   `json:"title"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// VisualOutput 是图像分析结果。
type VisualOutput struct {
	Condition   string            `json:"condition,omitempty"`
	Dimensions  *brain.Dimensions `json:"dimensions,omitempty"`
	DamageScore float64           `json:"damage_score"`
	Labels      []string          `json:"labels,omitempty"`
}

// DescriptionOutput 是生成的商品文案。
type DescriptionOutput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Highlights  []string `json:"highlights,omitempty"`
}

// ValuationOutput 是估价结果，金额单位为最小货币单位。
type ValuationOutput struct {
	PriceMinor int64    `json:"price_minor"`
	LowMinor   int64    `json:"low_minor"`
	HighMinor  int64    `json:"high_minor"`
	Currency   string   `json:"currency"`
	RiskScore  *float64 `json:"risk_score,omitempty"`
}

// NegotiationOutput 是议价结果。
type NegotiationOutput struct {
	Agreed           bool   `json:"agreed"`
	BuyerID          string `json:"buyer_id,omitempty"`
	AgreedPriceMinor int64  `json:"agreed_price_minor"`
	Currency         string `json:"currency,omitempty"`
	Phrasing         string `json:"phrasing,omitempty"`
}

// EscrowOutput 是托管建议。
type EscrowOutput struct {
	Backend               string   `json:"backend,omitempty"`
	RequiredVerifications []string `json:"required_verifications,omitempty"`
	Notes                 string   `json:"notes,omitempty"`
}

// LearningOutput 是流程复盘。
type LearningOutput struct {
	Insights    []string          `json:"insights,omitempty"`
	Adjustments map[string]string `json:"adjustments,omitempty"`
}

// OrchestratorOutput 是流程规划建议。
type OrchestratorOutput struct {
	Skip  []Type `json:"skip,omitempty"`
	Notes string `json:"notes,omitempty"`
}

func (IntakeOutput) AgentType() Type       { return TypeIntake }
func (VisualOutput) AgentType() Type       { return TypeVisual }
func (DescriptionOutput) AgentType() Type  { return TypeDescription }
func (ValuationOutput) AgentType() Type    { return TypeValuation }
func (NegotiationOutput) AgentType() Type  { return TypeNegotiator }
func (EscrowOutput) AgentType() Type       { return TypeEscrow }
func (LearningOutput) AgentType() Type     { return TypeLearning }
func (OrchestratorOutput) AgentType() Type { return TypeOrchestrator }

func (o IntakeOutput) Contribute(r *brain.Reasoning) {
	if o.Category != "" {
		r.Facts.Category = o.Category
	}
	if o.Condition != "" && r.Facts.Condition == "" {
		r.Facts.Condition = o.Condition
	}
	if o.Title != "" && r.Narrative.Title == "" {
		r.Narrative.Title = o.Title
	}
}

// 视觉判断的成色优先于 intake 的自述成色。
func (o VisualOutput) Contribute(r *brain.Reasoning) {
	if o.Condition != "" {
		r.Facts.Condition = o.Condition
	}
	if o.Dimensions != nil {
		d := *o.Dimensions
		r.Facts.Dimensions = &d
	}
}

func (o DescriptionOutput) Contribute(r *brain.Reasoning) {
	r.Narrative.Title = o.Title
	r.Narrative.Description = o.Description
	r.Narrative.Highlights = append([]string(nil), o.Highlights...)
}

func (o ValuationOutput) Contribute(r *brain.Reasoning) {
	price, low, high := o.PriceMinor, o.LowMinor, o.HighMinor
	r.Facts.PriceMinor = &price
	if low > 0 {
		r.Facts.PriceLowMinor = &low
	}
	if high > 0 {
		r.Facts.PriceHighMinor = &high
	}
	if o.Currency != "" {
		r.Facts.Currency = o.Currency
	}
	if o.RiskScore != nil {
		risk := *o.RiskScore
		r.Facts.RiskScore = &risk
	}
}

func (o NegotiationOutput) Contribute(r *brain.Reasoning) {
	r.Facts.Deal = &brain.Deal{
		Agreed:     o.Agreed,
		BuyerID:    o.BuyerID,
		PriceMinor: o.AgreedPriceMinor,
		Currency:   o.Currency,
	}
	r.Narrative.NegotiationPhrasing = o.Phrasing
}

// 组合型智能体不参与单侧推理链。
func (EscrowOutput) Contribute(*brain.Reasoning)       {}
func (LearningOutput) Contribute(*brain.Reasoning)     {}
func (OrchestratorOutput) Contribute(*brain.Reasoning) {}

// DecodeOutput 将能力返回的原始 JSON 解码为对应智能体的输出类型。
func DecodeOutput(t Type, raw json.RawMessage) (Output, error) {
	var (
		out Output
		err error
	)
	switch t {
	case TypeIntake:
		out, err = decode[IntakeOutput](raw)
	case TypeVisual:
		out, err = decode[VisualOutput](raw)
	case TypeDescription:
		out, err = decode[DescriptionOutput](raw)
	case TypeValuation:
		var v ValuationOutput
		if v, err = decode[ValuationOutput](raw); err == nil && v.PriceMinor <= 0 {
			err = fmt.Errorf("估价结果缺少有效价格")
		}
		out = v
	case TypeNegotiator:
		out, err = decode[NegotiationOutput](raw)
	case TypeEscrow:
		out, err = decode[EscrowOutput](raw)
	case TypeLearning:
		out, err = decode[LearningOutput](raw)
	case TypeOrchestrator:
		out, err = decode[OrchestratorOutput](raw)
	default:
		return nil, fmt.Errorf("未知的智能体类型: %q", t)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("输出为空")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("输出格式不合法: %w", err)
	}
	return v, nil
}
