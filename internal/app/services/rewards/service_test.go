package rewards

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/gate"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage/memory"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

func newFixture(t *testing.T) (*Service, *points.Service, *memory.Store) {
	t.Helper()

	table, err := tier.NewTable([]tier.Tier{
		{Name: "BRONCE", MinPoints: 0, MaxPoints: 1000, BenefitMultiplier: 1},
		{Name: "PLATA", MinPoints: 1000, MaxPoints: 5000, BenefitMultiplier: 1.1},
		{Name: "ORO", MinPoints: 5000, BenefitMultiplier: 1.25},
	})
	require.NoError(t, err)

	g, err := gate.New(table, map[string][]string{"BRONCE": {"redeem"}})
	require.NoError(t, err)

	store := memory.New()
	pts := points.New(store, table, nil)
	svc := New(store, pts, g, nil)

	ctx := context.Background()
	for _, rw := range []reward.Reward{
		{ID: "gift-card", Name: "Tarjeta regalo", PointsCost: 1000, Available: true},
		{ID: "oro-only", Name: "Revisión del hogar", PointsCost: 500, MinTier: "ORO", Available: true},
		{ID: "retired", Name: "Paraguas", PointsCost: 100, Available: false},
	} {
		_, err := store.PutReward(ctx, rw)
		require.NoError(t, err)
	}
	return svc, pts, store
}

func TestRedeem(t *testing.T) {
	svc, pts, _ := newFixture(t)
	ctx := context.Background()

	_, err := pts.Append(ctx, "u1", 1100, ledger.ReasonPolicyBought)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, "u1", "gift-card", "req-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), result.NewBalance)
	require.False(t, result.Replayed)
	require.Equal(t, ledger.ReasonRedemption, result.Entry.Reason)
	require.Equal(t, "gift-card", result.Entry.Reference)

	balance, err := pts.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestRedeemReplay(t *testing.T) {
	svc, pts, _ := newFixture(t)
	ctx := context.Background()

	_, err := pts.Append(ctx, "u1", 2000, ledger.ReasonPolicyBought)
	require.NoError(t, err)

	first, err := svc.Redeem(ctx, "u1", "gift-card", "req-1")
	require.NoError(t, err)

	replay, err := svc.Redeem(ctx, "u1", "gift-card", "req-1")
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, first.Entry.ID, replay.Entry.ID)

	balance, err := pts.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance, "replay must not debit twice")
}

func TestRedeemFailures(t *testing.T) {
	svc, pts, _ := newFixture(t)
	ctx := context.Background()

	_, err := pts.Append(ctx, "u1", 500, ledger.ReasonPolicyBought)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, "u1", "gift-card", "req-1")
	require.True(t, errs.HasCode(err, errs.CodeInsufficientBalance), "got %v", err)

	_, err = svc.Redeem(ctx, "u1", "oro-only", "req-2")
	require.True(t, errs.HasCode(err, errs.CodeTierIneligible), "got %v", err)

	_, err = svc.Redeem(ctx, "u1", "retired", "req-3")
	require.True(t, errs.HasCode(err, errs.CodeValidation), "got %v", err)

	_, err = svc.Redeem(ctx, "u1", "missing", "req-4")
	require.True(t, errs.HasCode(err, errs.CodeNotFound), "got %v", err)

	_, err = svc.Redeem(ctx, "u1", "gift-card", "")
	require.True(t, errs.HasCode(err, errs.CodeValidation), "got %v", err)

	balance, err := pts.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance, "failed redemptions must not debit")
}

func TestConcurrentRedemptionsAreAtomic(t *testing.T) {
	svc, pts, _ := newFixture(t)
	ctx := context.Background()

	// Enough for one redemption but not two.
	_, err := pts.Append(ctx, "u1", 1500, ledger.ReasonPolicyBought)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errors := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errors[i] = svc.Redeem(ctx, "u1", "gift-card", "req-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errors {
		switch {
		case err == nil:
			succeeded++
		case errs.HasCode(err, errs.CodeInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded, "exactly one redemption must win")
	require.Equal(t, 1, insufficient)

	balance, err := pts.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)
}

func TestListForUser(t *testing.T) {
	svc, pts, _ := newFixture(t)
	ctx := context.Background()

	_, err := pts.Append(ctx, "u1", 1200, ledger.ReasonPolicyBought)
	require.NoError(t, err)

	offers, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, offers, 1, "only the tier-eligible available reward")
	require.Equal(t, "gift-card", offers[0].Reward.ID)
	require.True(t, offers[0].Affordable)
}
