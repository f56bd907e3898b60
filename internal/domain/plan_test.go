package domain

import "testing"

func TestPlanByID(t *testing.T) {
	tests := []struct {
		id   string
		want *Plan
	}{
		{"free", &PlanFree},
		{"standard", &PlanStandard},
		{"enterprise", &PlanEnterprise},
		{"legacy_gold", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := PlanByID(tt.id)
		if tt.want == nil {
			if got != nil {
				t.Errorf("PlanByID(%q) = %v, want nil", tt.id, got)
			}
			continue
		}
		if got == nil || got.ID != tt.want.ID {
			t.Errorf("PlanByID(%q) = %v, want %q", tt.id, got, tt.want.ID)
		}
	}
}

func TestPlanByPriceID(t *testing.T) {
	if got := PlanByPriceID(PlanStandard.StripePriceID); got == nil || got.ID != PlanStandard.ID {
		t.Errorf("PlanByPriceID(standard price) = %v, want standard", got)
	}
	if got := PlanByPriceID("price_unknown"); got != nil {
		t.Errorf("PlanByPriceID(unknown) = %v, want nil", got)
	}
	// The free tier has no price reference; the empty string must not
	// resolve to it.
	if got := PlanByPriceID(""); got != nil {
		t.Errorf("PlanByPriceID(\"\") = %v, want nil", got)
	}
}

func TestPlanLookupsReturnCopies(t *testing.T) {
	p := PlanByID("standard")
	p.Credits.Monthly = 9999

	if PlanStandard.Credits.Monthly == 9999 {
		t.Fatal("mutating a lookup result changed the catalog")
	}
}

func TestFreePlanGrantsNoCredits(t *testing.T) {
	if PlanFree.Credits.Monthly != 0 || PlanFree.Credits.Maximum != 0 {
		t.Errorf("free plan credits = %+v, want zero", PlanFree.Credits)
	}
	if PlanFree.StripePriceID != "" {
		t.Errorf("free plan has a price reference %q", PlanFree.StripePriceID)
	}
}
