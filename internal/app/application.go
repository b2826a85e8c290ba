// Package app wires the loyalty services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/sorianoseguros/loyalty-engine/internal/app/services/badges"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/gate"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/points"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/referrals"
	"github.com/sorianoseguros/loyalty-engine/internal/app/services/rewards"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage/memory"
	"github.com/sorianoseguros/loyalty-engine/internal/app/system"
	"github.com/sorianoseguros/loyalty-engine/internal/config"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// Application ties the loyalty services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config
	store   storage.Store

	Points    *points.Service
	Rewards   *rewards.Service
	Referrals *referrals.Service
	Badges    *badges.Service
	Gate      *gate.Gate
}

// New builds a fully initialised application. A nil store defaults to the
// in-memory implementation.
func New(store storage.Store, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		store = memory.New()
	}

	table, err := cfg.TierTable()
	if err != nil {
		return nil, fmt.Errorf("build tier table: %w", err)
	}
	featureGate, err := gate.New(table, cfg.Grants())
	if err != nil {
		return nil, fmt.Errorf("build feature gate: %w", err)
	}

	pointsService := points.New(store, table, log)
	badgeService := badges.New(store, log)
	pointsService.OnLevelChanged(badgeService.LevelListener())

	rewardService := rewards.New(store, pointsService, featureGate, log)
	referralService := referrals.New(store, pointsService, cfg.ReferralSettings(), log)

	manager := system.NewManager()
	sweeper := referrals.NewSweeper(store, cfg.Referral.SweepSchedule, log)
	if err := manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		cfg:       cfg,
		store:     store,
		Points:    pointsService,
		Rewards:   rewardService,
		Referrals: referralService,
		Badges:    badgeService,
		Gate:      featureGate,
	}, nil
}

// Config exposes the loaded economy configuration.
func (a *Application) Config() *config.Config { return a.cfg }

// SeedCatalog upserts the configured reward catalog into the store. Call
// once at startup.
func (a *Application) SeedCatalog(ctx context.Context) error {
	for _, rw := range a.cfg.RewardSeed() {
		if _, err := a.store.PutReward(ctx, rw); err != nil {
			return fmt.Errorf("seed reward %s: %w", rw.ID, err)
		}
	}
	return nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
