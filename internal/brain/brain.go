// Package brain 将工作流的分析推理与创意推理合并为一个综合决策。
package brain

import (
	"fmt"
	"slices"
)

// Type 标识产生输出的推理通道。
type Type string

const (
	TypeAnalytical Type = "analytical"
	TypeCreative   Type = "creative"
	TypeCombined   Type = "combined"
)

// Dimensions 是商品的物理尺寸。
type Dimensions struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
	WeightKG float64 `json:"weight_kg"`
}

// Deal 是议价达成的交易，未成交时为空。
type Deal struct {
	Agreed     bool   `json:"agreed"`
	BuyerID    string `json:"buyer_id,omitempty"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency,omitempty"`
}

// Facts 是事实字段，归分析推理所有。
type Facts struct {
	Category       string      `json:"category,omitempty"`
	Condition      string      `json:"condition,omitempty"`
	Dimensions     *Dimensions `json:"dimensions,omitempty"`
	PriceMinor     *int64      `json:"price_minor,omitempty"`
	PriceLowMinor  *int64      `json:"price_low_minor,omitempty"`
	PriceHighMinor *int64      `json:"price_high_minor,omitempty"`
	Currency       string      `json:"currency,omitempty"`
	RiskScore      *float64    `json:"risk_score,omitempty"`
	Deal           *Deal       `json:"deal,omitempty"`
}

// Narrative 保存生成的文案，归创意推理所有。
type Narrative struct {
	Title               string   `json:"title,omitempty"`
	Description         string   `json:"description,omitempty"`
	Highlights          []string `json:"highlights,omitempty"`
	NegotiationPhrasing string   `json:"negotiation_phrasing,omitempty"`
}

// Reasoning 是单个推理通道在其全部智能体上累积的输出。
type Reasoning struct {
	Facts      Facts     `json:"facts"`
	Narrative  Narrative `json:"narrative"`
	Confidence float64   `json:"confidence"`
	Sources    []string  `json:"sources,omitempty"`
}

// AddSource 记录一个贡献智能体，并把它的置信度计入滑动均值。
func (r *Reasoning) AddSource(source string, confidence float64) {
	n := float64(len(r.Sources))
	r.Confidence = (r.Confidence*n + confidence) / (n + 1)
	r.Sources = append(r.Sources, source)
}

// Conflict 记录两个推理通道结论不一致的事实字段。
type Conflict struct {
	Field      string `json:"field"`
	Analytical string `json:"analytical"`
	Creative   string `json:"creative"`
}

// Combined 是合并后的决策。
type Combined struct {
	Facts           Facts      `json:"facts"`
	Narrative       Narrative  `json:"narrative"`
	Confidence      float64    `json:"confidence"`
	Degraded        bool       `json:"degraded"`
	DegradedReasons []string   `json:"degraded_reasons,omitempty"`
	Conflicts       []Conflict `json:"conflicts,omitempty"`
	Sources         []string   `json:"sources,omitempty"`
}

// MarkDegraded 标记合并输出已降级并记录原因。
func (c *Combined) MarkDegraded(reason string) {
	c.Degraded = true
	if reason != "" && !slices.Contains(c.DegradedReasons, reason) {
		c.DegradedReasons = append(c.DegradedReasons, reason)
	}
}

// Agreed 判断合并决策是否包含已达成的交易。
func (c *Combined) Agreed() bool {
	return c != nil && c.Facts.Deal != nil && c.Facts.Deal.Agreed && c.Facts.Deal.PriceMinor > 0
}

func formatValue(v any) string {
	switch t := v.(type) {
	case *int64:
		return fmt.Sprint(*t)
	case *float64:
		return fmt.Sprint(*t)
	case *Dimensions:
		return fmt.Sprintf("%gx%gx%gcm/%gkg", t.LengthCM, t.WidthCM, t.HeightCM, t.WeightKG)
	case *Deal:
		return fmt.Sprintf("agreed=%t buyer=%s price=%d %s", t.Agreed, t.BuyerID, t.PriceMinor, t.Currency)
	default:
		return fmt.Sprint(v)
	}
}
