package badges

import (
	"context"
	"testing"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage/memory"
)

func TestAwardIsIdempotent(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Award(ctx, "u1", "tier-plata"); err != nil {
			t.Fatalf("Award: %v", err)
		}
	}

	awards, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(awards) != 1 {
		t.Fatalf("got %d awards, want 1", len(awards))
	}
	if awards[0].BadgeID != "tier-plata" {
		t.Fatalf("got badge %q", awards[0].BadgeID)
	}
	if awards[0].EarnedAt.IsZero() {
		t.Fatal("EarnedAt not set")
	}
}

func TestAwardValidation(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	if err := svc.Award(ctx, "", "tier-plata"); err == nil {
		t.Fatal("expected error for empty user")
	}
	if err := svc.Award(ctx, "u1", ""); err == nil {
		t.Fatal("expected error for empty badge")
	}
}

func TestLevelListenerAwardsOnPromotion(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	listener := svc.LevelListener()

	bronce := tier.Tier{Name: "BRONCE", MinPoints: 0}
	plata := tier.Tier{Name: "PLATA", MinPoints: 1000}

	listener(ctx, "u1", bronce, plata)
	// Demotion awards nothing.
	listener(ctx, "u1", plata, bronce)

	awards, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(awards) != 1 || awards[0].BadgeID != "tier-plata" {
		t.Fatalf("got %v, want a single tier-plata award", awards)
	}
}
