// Package rewards implements the reward catalog and redemption processing.
package rewards

import (
	"context"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/gate"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// Service validates and executes reward redemptions.
type Service struct {
	store  storage.Store
	points *points.Service
	gate   *gate.Gate
	log    *logger.Logger
}

// New creates the rewards service.
func New(store storage.Store, pts *points.Service, g *gate.Gate, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	return &Service{store: store, points: pts, gate: g, log: log}
}

// Offer is a catalog entry annotated for a specific user.
type Offer struct {
	Reward     reward.Reward `json:"reward"`
	Affordable bool          `json:"affordable"`
}

// ListAll returns the full catalog.
func (s *Service) ListAll(ctx context.Context) ([]reward.Reward, error) {
	return s.store.ListRewards(ctx)
}

// ListForUser returns the available rewards the user's tier is eligible for,
// annotated with affordability at the current balance.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Offer, error) {
	balance, err := s.points.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	tierName := s.points.Table().Resolve(balance).Name

	all, err := s.store.ListRewards(ctx)
	if err != nil {
		return nil, err
	}

	offers := make([]Offer, 0, len(all))
	for _, rw := range all {
		if !rw.Available || !s.gate.MeetsMinTier(tierName, rw.MinTier) {
			continue
		}
		offers = append(offers, Offer{Reward: rw, Affordable: balance >= rw.PointsCost})
	}
	return offers, nil
}

// Redeem debits the reward cost from the user's balance. The availability,
// tier and balance checks and the debit all run in one transaction with the
// user's balance row locked, so two concurrent redemptions cannot both
// observe a sufficient balance when only one can be honored.
//
// requestID is the idempotency key: a retried request returns the original
// result with Replayed set instead of debiting twice.
func (s *Service) Redeem(ctx context.Context, userID, rewardID, requestID string) (reward.RedemptionResult, error) {
	if userID == "" || rewardID == "" {
		return reward.RedemptionResult{}, errs.E(errs.CodeValidation, "user id and reward id are required")
	}
	if requestID == "" {
		return reward.RedemptionResult{}, errs.E(errs.CodeValidation, "request id is required")
	}

	var result reward.RedemptionResult
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		rw, err := tx.GetReward(ctx, rewardID)
		if err != nil {
			return err
		}
		if !rw.Available {
			return errs.E(errs.CodeValidation, "reward %q is not available", rewardID)
		}

		balance, err := tx.BalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		tierName := s.points.Table().Resolve(balance).Name
		if !s.gate.MeetsMinTier(tierName, rw.MinTier) {
			return errs.E(errs.CodeTierIneligible, "tier %s is below required tier %s", tierName, rw.MinTier)
		}

		res, err := s.points.AppendTx(ctx, tx, userID, -rw.PointsCost, ledger.ReasonRedemption,
			points.WithIdempotencyKey(requestID),
			points.WithDescription("redeemed "+rw.Name),
			points.WithReference(rw.ID),
		)
		if err != nil {
			return err
		}
		if res.Replayed && res.Entry.Reference != rw.ID {
			return errs.E(errs.CodeConflict, "request %q was already used for a different redemption", requestID)
		}

		result = reward.RedemptionResult{
			Reward:     rw,
			Entry:      res.Entry,
			NewBalance: res.Balance,
			Replayed:   res.Replayed,
		}
		return nil
	})
	if err != nil {
		metrics.RecordRedemption(string(errs.CodeOf(err)))
		return reward.RedemptionResult{}, err
	}

	if result.Replayed {
		metrics.RecordRedemption("replayed")
	} else {
		metrics.RecordRedemption("success")
		s.log.WithField("user", userID).
			WithField("reward", rewardID).
			WithField("cost", result.Reward.PointsCost).
			Info("reward redeemed")
	}
	return result, nil
}
