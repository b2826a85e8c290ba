package referrals

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	"github.com/sorianoseguros/loyalty-engine/internal/app/system"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// Sweeper periodically marks past-TTL referrals as EXPIRED. Expired codes
// pay nothing; the stage write is compare-and-swap guarded so a referral
// advanced between listing and sweeping is left alone.
type Sweeper struct {
	store    storage.Store
	schedule string
	log      *logger.Logger
	cron     *cron.Cron
	now      func() time.Time
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates the expiry sweeper. schedule is a cron expression; it
// defaults to once per minute.
func NewSweeper(store storage.Store, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("referral-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{store: store, schedule: schedule, log: log, now: time.Now}
}

func (s *Sweeper) Name() string { return "referral-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sweep expires all eligible referrals once and returns how many were
// marked.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expirable, err := s.store.ListExpirable(ctx, s.now().UTC())
	if err != nil {
		s.log.WithError(err).Warn("list expirable referrals")
		return 0
	}

	swept := 0
	for _, r := range expirable {
		marked := false
		err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
			current, err := tx.GetReferralForUpdate(ctx, r.Code)
			if err != nil {
				return err
			}
			if !current.ExpiredAt(s.now()) {
				return nil
			}
			from := current.Stage
			current.Stage = referral.StageExpired
			marked, err = tx.UpdateReferral(ctx, current, from)
			return err
		})
		if err != nil {
			if !errs.Retryable(err) {
				s.log.WithError(err).WithField("code", r.Code).Warn("expire referral")
			}
			continue
		}
		if marked {
			swept++
		}
	}

	if swept > 0 {
		metrics.RecordReferralExpired(swept)
		s.log.WithField("count", swept).Info("expired referrals")
	}
	return swept
}
