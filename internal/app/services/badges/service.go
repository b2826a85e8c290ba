// Package badges awards one-time achievement badges.
package badges

import (
	"context"
	"strings"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/badge"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// Service manages badge awards.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New creates the badges service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("badges")
	}
	return &Service{store: store, log: log}
}

// TierBadgeID names the badge earned by reaching a tier.
func TierBadgeID(tierName string) string {
	return "tier-" + strings.ToLower(tierName)
}

// Award grants a badge once. Duplicate awards are silent no-ops, which makes
// the service a safe at-least-once listener.
func (s *Service) Award(ctx context.Context, userID, badgeID string) error {
	if userID == "" || badgeID == "" {
		return errs.E(errs.CodeValidation, "user id and badge id are required")
	}
	created, err := s.store.AwardBadge(ctx, badge.Award{UserID: userID, BadgeID: badgeID})
	if err != nil {
		return err
	}
	if created {
		s.log.WithField("user", userID).WithField("badge", badgeID).Info("badge awarded")
	}
	return nil
}

// List returns the user's badges in the order they were earned.
func (s *Service) List(ctx context.Context, userID string) ([]badge.Award, error) {
	if userID == "" {
		return nil, errs.E(errs.CodeValidation, "user id is required")
	}
	return s.store.ListAwards(ctx, userID)
}

// LevelListener returns a listener that awards the tier badge whenever a
// user reaches a higher tier.
func (s *Service) LevelListener() points.LevelListener {
	return func(ctx context.Context, userID string, from, to tier.Tier) {
		if to.MinPoints <= from.MinPoints {
			return
		}
		if err := s.Award(ctx, userID, TierBadgeID(to.Name)); err != nil {
			s.log.WithError(err).WithField("user", userID).Warn("award tier badge")
		}
	}
}
