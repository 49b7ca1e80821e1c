package brain

import "slices"

const (
	reasonNoOutput          = "no brain produced output"
	reasonCreativeMissing   = "creative brain unavailable"
	reasonAnalyticalMissing = "analytical brain unavailable"
)

// Merge 合并两个推理通道，任一方可以为 nil。结果只取决于输入，且不与输入共享内存。
func Merge(analytical, creative *Reasoning) Combined {
	switch {
	case analytical == nil && creative == nil:
		return Combined{Degraded: true, DegradedReasons: []string{reasonNoOutput}}
	case creative == nil:
		return passThrough(analytical, reasonCreativeMissing)
	case analytical == nil:
		return passThrough(creative, reasonAnalyticalMissing)
	}

	out := Combined{
		Confidence: (analytical.Confidence + creative.Confidence) / 2,
		Sources:    append(slices.Clone(analytical.Sources), creative.Sources...),
	}
	out.Facts, out.Conflicts = mergeFacts(analytical.Facts, creative.Facts)
	out.Narrative = mergeNarrative(analytical.Narrative, creative.Narrative)
	return out
}

func passThrough(r *Reasoning, reason string) Combined {
	return Combined{
		Facts:           cloneFacts(r.Facts),
		Narrative:       cloneNarrative(r.Narrative),
		Confidence:      r.Confidence,
		Degraded:        true,
		DegradedReasons: []string{reason},
		Sources:         slices.Clone(r.Sources),
	}
}

// mergeFacts 按固定顺序遍历字段，冲突列表的顺序因此是确定的。
func mergeFacts(a, c Facts) (Facts, []Conflict) {
	var conflicts []Conflict
	note := func(field string, av, cv any) {
		conflicts = append(conflicts, Conflict{Field: field, Analytical: formatValue(av), Creative: formatValue(cv)})
	}

	var out Facts
	out.Category = pickString("category", a.Category, c.Category, note)
	out.Condition = pickString("condition", a.Condition, c.Condition, note)
	out.Currency = pickString("currency", a.Currency, c.Currency, note)
	out.Dimensions = pickPtr("dimensions", a.Dimensions, c.Dimensions, note)
	out.PriceMinor = pickPtr("price_minor", a.PriceMinor, c.PriceMinor, note)
	out.PriceLowMinor = pickPtr("price_low_minor", a.PriceLowMinor, c.PriceLowMinor, note)
	out.PriceHighMinor = pickPtr("price_high_minor", a.PriceHighMinor, c.PriceHighMinor, note)
	out.RiskScore = pickPtr("risk_score", a.RiskScore, c.RiskScore, note)
	out.Deal = pickPtr("deal", a.Deal, c.Deal, note)
	return out, conflicts
}

func pickString(field, a, c string, note func(string, any, any)) string {
	if a == "" {
		return c
	}
	if c != "" && c != a {
		note(field, a, c)
	}
	return a
}

func pickPtr[T comparable](field string, a, c *T, note func(string, any, any)) *T {
	if a == nil {
		return clonePtr(c)
	}
	if c != nil && *c != *a {
		note(field, a, c)
	}
	return clonePtr(a)
}

func mergeNarrative(a, c Narrative) Narrative {
	out := cloneNarrative(c)
	if out.Title == "" {
		out.Title = a.Title
	}
	if out.Description == "" {
		out.Description = a.Description
	}
	if len(out.Highlights) == 0 {
		out.Highlights = slices.Clone(a.Highlights)
	}
	if out.NegotiationPhrasing == "" {
		out.NegotiationPhrasing = a.NegotiationPhrasing
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFacts(f Facts) Facts {
	f.Dimensions = clonePtr(f.Dimensions)
	f.PriceMinor = clonePtr(f.PriceMinor)
	f.PriceLowMinor = clonePtr(f.PriceLowMinor)
	f.PriceHighMinor = clonePtr(f.PriceHighMinor)
	f.RiskScore = clonePtr(f.RiskScore)
	f.Deal = clonePtr(f.Deal)
	return f
}

func cloneNarrative(n Narrative) Narrative {
	n.Highlights = slices.Clone(n.Highlights)
	return n
}

// Clone 返回推理结果的深拷贝。
func (r *Reasoning) Clone() *Reasoning {
	if r == nil {
		return nil
	}
	return &Reasoning{
		Facts:      cloneFacts(r.Facts),
		Narrative:  cloneNarrative(r.Narrative),
		Confidence: r.Confidence,
		Sources:    slices.Clone(r.Sources),
	}
}

// Clone 返回合并输出的深拷贝。
func (c *Combined) Clone() *Combined {
	if c == nil {
		return nil
	}
	out := *c
	out.Facts = cloneFacts(c.Facts)
	out.Narrative = cloneNarrative(c.Narrative)
	out.DegradedReasons = slices.Clone(c.DegradedReasons)
	out.Conflicts = slices.Clone(c.Conflicts)
	out.Sources = slices.Clone(c.Sources)
	return &out
}
