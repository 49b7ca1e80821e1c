package agent

import (
	"encoding/json"
	"testing"

	"AgentEscrow/internal/brain"
)

func TestBrainOf(t *testing.T) {
	want := map[Type]brain.Type{
		TypeIntake:       brain.TypeAnalytical,
		TypeVisual:       brain.TypeAnalytical,
		TypeValuation:    brain.TypeAnalytical,
		TypeDescription:  brain.TypeCreative,
		TypeNegotiator:   brain.TypeCreative,
		TypeEscrow:       brain.TypeCombined,
		TypeLearning:     brain.TypeCombined,
		TypeOrchestrator: brain.TypeCombined,
	}
	for _, typ := range Types() {
		if BrainOf(typ) != want[typ] {
			t.Fatalf("%s: expected %s, got %s", typ, want[typ], BrainOf(typ))
		}
	}
}

func TestDecodeOutputVariants(t *testing.T) {
	out, err := DecodeOutput(TypeNegotiator, json.RawMessage(`{"agreed":true,"buyer_id":"b-1","agreed_price_minor":50000,"currency":"USD","phrasing":"Deal at $500"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var r brain.Reasoning
	out.Contribute(&r)
	if r.Facts.Deal == nil || !r.Facts.Deal.Agreed || r.Facts.Deal.PriceMinor != 50000 {
		t.Fatalf("negotiation should contribute a deal, got %+v", r.Facts.Deal)
	}
	if r.Narrative.NegotiationPhrasing != "Deal at $500" {
		t.Fatalf("unexpected phrasing %q", r.Narrative.NegotiationPhrasing)
	}

	if _, err := DecodeOutput(Type("pricing"), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DecodeOutput(TypeIntake, nil); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestVisualConditionOverridesIntake(t *testing.T) {
	var r brain.Reasoning
	IntakeOutput{Category: "furniture", Condition: "like new", Title: "Desk"}.Contribute(&r)
	VisualOutput{Condition: "worn", Dimensions: &brain.Dimensions{LengthCM: 120}}.Contribute(&r)

	if r.Facts.Condition != "worn" || r.Facts.Category != "furniture" || r.Narrative.Title != "Desk" {
		t.Fatalf("unexpected facts: %+v / %+v", r.Facts, r.Narrative)
	}
	if r.Facts.Dimensions == nil || r.Facts.Dimensions.LengthCM != 120 {
		t.Fatalf("dimensions missing")
	}
}
