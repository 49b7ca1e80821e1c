package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryRanksByKeywordOverlap(t *testing.T) {
	p := NewStaticProvider([]Comparable{
		{Title: "Oak table", Category: "furniture", PriceMinor: 30000, Currency: "USD", Keywords: []string{"table"}},
		{Title: "Oak dining table", Category: "furniture", PriceMinor: 45000, Currency: "USD", Keywords: []string{"oak", "table", "dining"}},
		{Title: "Road bike", Category: "sports", PriceMinor: 80000, Currency: "USD", Keywords: []string{"bike"}},
	}, 2)

	got := p.Query("Furniture", "Solid oak dining table")
	if len(got) != 2 {
		t.Fatalf("expected 2 comparables, got %d", len(got))
	}
	if got[0].Title != "Oak dining table" || got[1].Title != "Oak table" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comparables.json")
	data := `[{"title":"Camera","category":"electronics","price_minor":25000,"currency":"EUR","keywords":["camera"]}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Query("electronics", "vintage camera"); len(got) != 1 || got[0].PriceMinor != 25000 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, err := LoadStaticProvider(" ", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
