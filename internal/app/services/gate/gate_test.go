package gate

import (
	"reflect"
	"testing"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
)

func testTable(t *testing.T) *tier.Table {
	t.Helper()
	table, err := tier.NewTable([]tier.Tier{
		{Name: "BRONCE", MinPoints: 0, MaxPoints: 1000, BenefitMultiplier: 1},
		{Name: "PLATA", MinPoints: 1000, MaxPoints: 5000, BenefitMultiplier: 1.1},
		{Name: "ORO", MinPoints: 5000, BenefitMultiplier: 1.25},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestCapabilitiesInherit(t *testing.T) {
	g, err := New(testTable(t), map[string][]string{
		"BRONCE": {"redeem"},
		"PLATA":  {"priority-support"},
		"ORO":    {"free-home-review"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		tier       string
		capability string
		want       bool
	}{
		{"BRONCE", "redeem", true},
		{"BRONCE", "priority-support", false},
		{"PLATA", "redeem", true},
		{"PLATA", "priority-support", true},
		{"PLATA", "free-home-review", false},
		{"ORO", "free-home-review", true},
		{"ORO", "redeem", true},
		{"ORO", "unknown", false},
		{"UNKNOWN", "redeem", false},
	}
	for _, tc := range cases {
		if got := g.IsAllowed(tc.tier, tc.capability); got != tc.want {
			t.Errorf("IsAllowed(%q, %q) = %v, want %v", tc.tier, tc.capability, got, tc.want)
		}
	}

	want := []string{"free-home-review", "priority-support", "redeem"}
	if got := g.Capabilities("ORO"); !reflect.DeepEqual(got, want) {
		t.Errorf("Capabilities(ORO) = %v, want %v", got, want)
	}
	if got := g.Capabilities("UNKNOWN"); len(got) != 0 {
		t.Errorf("Capabilities(UNKNOWN) = %v, want empty", got)
	}
}

func TestNewRejectsUnknownTier(t *testing.T) {
	if _, err := New(testTable(t), map[string][]string{"DIAMANTE": {"redeem"}}); err == nil {
		t.Fatal("expected error for grant on unknown tier")
	}
}

func TestMeetsMinTier(t *testing.T) {
	g, err := New(testTable(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		tier, min string
		want      bool
	}{
		{"BRONCE", "", true},
		{"BRONCE", "BRONCE", true},
		{"BRONCE", "PLATA", false},
		{"ORO", "PLATA", true},
		{"PLATA", "PLATA", true},
		{"ORO", "UNKNOWN", false},
	}
	for _, tc := range cases {
		if got := g.MeetsMinTier(tc.tier, tc.min); got != tc.want {
			t.Errorf("MeetsMinTier(%q, %q) = %v, want %v", tc.tier, tc.min, got, tc.want)
		}
	}
}
