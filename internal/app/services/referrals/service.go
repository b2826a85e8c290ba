// Package referrals implements the referral lifecycle: issuing codes,
// claiming them, advancing conversion stages and paying the referrer exactly
// once per stage.
package referrals

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// Config carries the referral economy settings.
type Config struct {
	PayoutRegistered       int64
	PayoutProfileCompleted int64
	PayoutConverted        int64
	// MarginPercent is the conversion bonus as a percentage of the referred
	// policy's premium, paid in points (one point per currency unit).
	MarginPercent float64
	TTL           time.Duration
}

// ConversionContext carries the data needed for a CONVERTED transition.
type ConversionContext struct {
	PremiumCents int64
}

// Service tracks referrals through their lifecycle.
type Service struct {
	store  storage.Store
	points *points.Service
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

// New creates the referrals service.
func New(store storage.Store, pts *points.Service, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("referrals")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * 24 * time.Hour
	}
	return &Service{store: store, points: pts, cfg: cfg, log: log, now: time.Now}
}

// newCode generates a short shareable referral code.
func newCode() string {
	return "SC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// IssueCode creates a new single-use referral code for the referrer.
func (s *Service) IssueCode(ctx context.Context, referrerID string) (referral.Referral, error) {
	if referrerID == "" {
		return referral.Referral{}, errs.E(errs.CodeValidation, "referrer id is required")
	}

	now := s.now().UTC()
	r := referral.Referral{
		ReferrerID: referrerID,
		Stage:      referral.StageIssued,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTL),
	}

	// Codes are short, so retry the rare collision.
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		r.Code = newCode()
		var created referral.Referral
		created, err = s.store.CreateReferral(ctx, r)
		if err == nil {
			return created, nil
		}
		if !errs.HasCode(err, errs.CodeConflict) {
			return referral.Referral{}, err
		}
	}
	return referral.Referral{}, err
}

// Get returns the referral for a code.
func (s *Service) Get(ctx context.Context, code string) (referral.Referral, error) {
	return s.store.GetReferral(ctx, code)
}

// ListByReferrer returns all referrals issued by a user.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string) ([]referral.Referral, error) {
	return s.store.ListReferralsByReferrer(ctx, referrerID)
}

// ClaimCode binds the referred user to an issued code, moves it to
// REGISTERED and pays the referrer's registration payout exactly once.
func (s *Service) ClaimCode(ctx context.Context, code, referredID string) (referral.Referral, error) {
	if code == "" || referredID == "" {
		return referral.Referral{}, errs.E(errs.CodeValidation, "code and user id are required")
	}

	var (
		claimed referral.Referral
		payout  points.Result
	)
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		r, err := tx.GetReferralForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if r.ExpiredAt(s.now()) {
			return errs.E(errs.CodeInvalidTransition, "referral code %q has expired", code)
		}
		if r.ReferredID != "" || r.Stage != referral.StageIssued {
			return errs.E(errs.CodeInvalidTransition, "referral code %q has already been used", code)
		}
		if referredID == r.ReferrerID {
			return errs.E(errs.CodeValidation, "a referral code cannot be claimed by its issuer")
		}

		r.ReferredID = referredID
		r.Stage = referral.StageRegistered
		ok, err := tx.UpdateReferral(ctx, r, referral.StageIssued)
		if err != nil {
			return err
		}
		if !ok {
			return errs.E(errs.CodeConflict, "referral %q was claimed concurrently", code)
		}

		payout, err = s.points.AppendTx(ctx, tx, r.ReferrerID, s.cfg.PayoutRegistered, ledger.ReasonReferralRegistered,
			points.WithIdempotencyKey(payoutKey(code, referral.StageRegistered)),
			points.WithDescription("referral registered"),
			points.WithReference(code),
		)
		if err != nil {
			return err
		}

		claimed = r
		return nil
	})
	if err != nil {
		return referral.Referral{}, err
	}

	metrics.RecordReferralPayout(string(referral.StageRegistered))
	s.points.NotifyLevelChanged(ctx, claimed.ReferrerID, payout)
	s.log.WithField("code", code).WithField("referred", referredID).Info("referral claimed")
	return claimed, nil
}

// AdvanceStage moves a claimed referral to the immediate next stage and pays
// the referrer's stage payout exactly once. REGISTERED is reached through
// ClaimCode, never through AdvanceStage; EXPIRED is reached through the
// sweeper.
func (s *Service) AdvanceStage(ctx context.Context, code string, target referral.Stage, conv ConversionContext) (referral.Referral, error) {
	if code == "" {
		return referral.Referral{}, errs.E(errs.CodeValidation, "code is required")
	}
	if !target.Known() {
		return referral.Referral{}, errs.E(errs.CodeValidation, "unknown stage %q", target)
	}
	if target != referral.StageProfileCompleted && target != referral.StageConverted {
		return referral.Referral{}, errs.E(errs.CodeInvalidTransition, "stage %s cannot be reached through advancement", target)
	}
	if target == referral.StageConverted && conv.PremiumCents < 0 {
		return referral.Referral{}, errs.E(errs.CodeValidation, "premium must not be negative")
	}

	var (
		advanced referral.Referral
		payout   points.Result
	)
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		r, err := tx.GetReferralForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if r.ExpiredAt(s.now()) {
			return errs.E(errs.CodeInvalidTransition, "referral code %q has expired", code)
		}
		if !referral.CanAdvance(r.Stage, target) {
			return errs.E(errs.CodeInvalidTransition, "cannot move referral %q from %s to %s", code, r.Stage, target)
		}

		amount := s.cfg.PayoutProfileCompleted
		reason := ledger.ReasonReferralProfile
		description := "referral completed their profile"
		from := r.Stage
		if target == referral.StageConverted {
			amount = s.cfg.PayoutConverted + s.conversionBonus(conv.PremiumCents)
			reason = ledger.ReasonReferralConverted
			description = "referral bought a policy"
			r.PremiumCents = conv.PremiumCents
		}

		r.Stage = target
		ok, err := tx.UpdateReferral(ctx, r, from)
		if err != nil {
			return err
		}
		if !ok {
			return errs.E(errs.CodeConflict, "referral %q was advanced concurrently", code)
		}

		payout, err = s.points.AppendTx(ctx, tx, r.ReferrerID, amount, reason,
			points.WithIdempotencyKey(payoutKey(code, target)),
			points.WithDescription(description),
			points.WithReference(code),
		)
		if err != nil {
			return err
		}

		advanced = r
		return nil
	})
	if err != nil {
		return referral.Referral{}, err
	}

	metrics.RecordReferralPayout(string(target))
	s.points.NotifyLevelChanged(ctx, advanced.ReferrerID, payout)
	s.log.WithField("code", code).WithField("stage", target).Info("referral advanced")
	return advanced, nil
}

// conversionBonus computes the margin bonus in points, rounded down.
func (s *Service) conversionBonus(premiumCents int64) int64 {
	if s.cfg.MarginPercent <= 0 || premiumCents <= 0 {
		return 0
	}
	return int64(math.Floor(float64(premiumCents) * s.cfg.MarginPercent / 100 / 100))
}

// payoutKey derives the per-stage idempotency key that makes each stage pay
// out at most once, no matter how often the transition is requested.
func payoutKey(code string, stage referral.Stage) string {
	return "referral:" + code + ":" + string(stage)
}
