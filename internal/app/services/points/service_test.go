package points

import (
	"context"
	"sync"
	"testing"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage/memory"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

func testTable(t *testing.T) *tier.Table {
	t.Helper()
	table, err := tier.NewTable([]tier.Tier{
		{Name: "BRONCE", MinPoints: 0, MaxPoints: 1000, BenefitMultiplier: 1},
		{Name: "PLATA", MinPoints: 1000, MaxPoints: 5000, BenefitMultiplier: 1.1},
		{Name: "ORO", MinPoints: 5000, MaxPoints: 15000, BenefitMultiplier: 1.25},
		{Name: "PLATINO", MinPoints: 15000, BenefitMultiplier: 1.5},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return table
}

func TestAppendAndResolve(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	res, err := svc.Append(ctx, "u1", 500, ledger.ReasonPolicyBought)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Balance != 500 || res.Tier.Name != "BRONCE" || res.LevelChanged {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = svc.Append(ctx, "u1", 600, ledger.ReasonPolicyRenewed)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Balance != 1100 || res.Tier.Name != "PLATA" || !res.LevelChanged {
		t.Fatalf("expected level change to PLATA, got %+v", res)
	}

	balance, err := svc.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1100 {
		t.Fatalf("balance = %d, want 1100", balance)
	}
}

func TestAppendValidation(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		delta  int64
		reason ledger.Reason
	}{
		{"zero delta", "u1", 0, ledger.ReasonQuizCompleted},
		{"negative earning", "u1", -10, ledger.ReasonQuizCompleted},
		{"positive redemption", "u1", 10, ledger.ReasonRedemption},
		{"unknown reason", "u1", 10, ledger.Reason("BOGUS")},
		{"missing user", "", 10, ledger.ReasonQuizCompleted},
	}
	for _, tc := range cases {
		if _, err := svc.Append(ctx, tc.userID, tc.delta, tc.reason); !errs.HasCode(err, errs.CodeValidation) {
			t.Errorf("%s: expected VALIDATION, got %v", tc.name, err)
		}
	}
}

func TestAppendRejectsNegativeBalance(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "u1", 100, ledger.ReasonQuizCompleted); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := svc.Append(ctx, "u1", -200, ledger.ReasonRedemption, WithIdempotencyKey("r1"))
	if !errs.HasCode(err, errs.CodeInsufficientBalance) {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}

	balance, _ := svc.GetBalance(ctx, "u1")
	if balance != 100 {
		t.Fatalf("rejected append must not change the balance, got %d", balance)
	}
}

func TestAppendIdempotency(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	first, err := svc.Append(ctx, "u1", 250, ledger.ReasonPolicyBought, WithIdempotencyKey("evt-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	replay, err := svc.Append(ctx, "u1", 250, ledger.ReasonPolicyBought, WithIdempotencyKey("evt-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatalf("expected replay flag")
	}
	if replay.Entry.ID != first.Entry.ID {
		t.Fatalf("replay must return the original entry")
	}
	if replay.Balance != 250 {
		t.Fatalf("replay balance = %d, want 250", replay.Balance)
	}

	entries, _ := svc.History(ctx, "u1", 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestAppendIdempotencyUnderConcurrency(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Append(ctx, "u1", 100, ledger.ReasonLoginStreak, WithIdempotencyKey("streak-2026-08-31")); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := svc.GetBalance(ctx, "u1")
	if balance != 100 {
		t.Fatalf("balance = %d, want exactly one credit of 100", balance)
	}
	entries, _ := svc.History(ctx, "u1", 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestLevelChangedFiresOnce(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	type change struct{ from, to string }
	var mu sync.Mutex
	var changes []change
	svc.OnLevelChanged(func(_ context.Context, userID string, from, to tier.Tier) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change{from.Name, to.Name})
	})

	if _, err := svc.Append(ctx, "u1", 500, ledger.ReasonPolicyBought); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(ctx, "u1", 600, ledger.ReasonPolicyRenewed, WithIdempotencyKey("renewal-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Replay must not re-fire the event.
	if _, err := svc.Append(ctx, "u1", 600, ledger.ReasonPolicyRenewed, WithIdempotencyKey("renewal-1")); err != nil {
		t.Fatalf("replay: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != (change{"BRONCE", "PLATA"}) {
		t.Fatalf("changes = %+v, want exactly one BRONCE->PLATA", changes)
	}
}

func TestGetUserLevelInfo(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "u1", 3000, ledger.ReasonPolicyBought); err != nil {
		t.Fatalf("append: %v", err)
	}

	info, err := svc.GetUserLevelInfo(ctx, "u1")
	if err != nil {
		t.Fatalf("level info: %v", err)
	}
	if info.Tier != "PLATA" || info.Balance != 3000 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.PointsToNextTier != 2000 {
		t.Fatalf("points to next = %d, want 2000", info.PointsToNextTier)
	}
	if info.ProgressPercent != 50 {
		t.Fatalf("progress = %d, want 50", info.ProgressPercent)
	}

	if _, err := svc.Append(ctx, "u1", 20000, ledger.ReasonPolicyBought); err != nil {
		t.Fatalf("append: %v", err)
	}
	info, err = svc.GetUserLevelInfo(ctx, "u1")
	if err != nil {
		t.Fatalf("level info: %v", err)
	}
	if info.Tier != "PLATINO" || info.PointsToNextTier != 0 || info.ProgressPercent != 100 {
		t.Fatalf("top tier info: %+v", info)
	}
}

func TestAdminCorrectionCanLowerTier(t *testing.T) {
	svc := New(memory.New(), testTable(t), nil)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "u1", 1200, ledger.ReasonPolicyBought); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := svc.Append(ctx, "u1", -400, ledger.ReasonAdminCorrection, WithDescription("duplicate award reversal"))
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if res.Balance != 800 || res.Tier.Name != "BRONCE" || !res.LevelChanged {
		t.Fatalf("correction result: %+v", res)
	}
}
