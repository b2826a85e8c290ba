// Package points implements the points ledger service: appending point
// movements, resolving balances and tiers, and fanning out level changes.
package points

import (
	"context"
	"sync"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/tier"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// LevelListener is notified synchronously after a committed append changed
// the user's tier. Delivery is at-least-once; listeners must be idempotent.
type LevelListener func(ctx context.Context, userID string, from, to tier.Tier)

// Result reports the outcome of an append.
type Result struct {
	Entry        ledger.Entry
	Balance      int64
	Tier         tier.Tier
	OldTier      tier.Tier
	LevelChanged bool
	Replayed     bool
}

// LevelInfo summarises a user's standing for display.
type LevelInfo struct {
	Tier             string  `json:"tier"`
	Multiplier       float64 `json:"multiplier"`
	Balance          int64   `json:"balance"`
	PointsToNextTier int64   `json:"pointsToNextTier"`
	ProgressPercent  int     `json:"progressPercent"`
}

// Service manages the points ledger for all users.
type Service struct {
	store storage.Store
	table *tier.Table
	log   *logger.Logger

	mu        sync.RWMutex
	listeners []LevelListener
}

// New creates the points service.
func New(store storage.Store, table *tier.Table, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("points")
	}
	return &Service{store: store, table: table, log: log}
}

// Table exposes the canonical tier table.
func (s *Service) Table() *tier.Table { return s.table }

// OnLevelChanged registers a listener. Call during wiring, before traffic.
func (s *Service) OnLevelChanged(fn LevelListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Option customises an append.
type Option func(*appendOptions)

type appendOptions struct {
	key         string
	description string
	reference   string
}

// WithIdempotencyKey makes the append safe to retry: a second call with the
// same key returns the original entry without a second balance change.
func WithIdempotencyKey(key string) Option {
	return func(o *appendOptions) { o.key = key }
}

// WithDescription attaches a human-readable description to the entry.
func WithDescription(description string) Option {
	return func(o *appendOptions) { o.description = description }
}

// WithReference links the entry to an external record such as a reward or
// referral code.
func WithReference(reference string) Option {
	return func(o *appendOptions) { o.reference = reference }
}

// Append writes one ledger entry in its own transaction and fires level
// listeners once committed.
func (s *Service) Append(ctx context.Context, userID string, delta int64, reason ledger.Reason, opts ...Option) (Result, error) {
	var res Result
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		var err error
		res, err = s.AppendTx(ctx, tx, userID, delta, reason, opts...)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	metrics.RecordAppend(string(reason), res.Entry.Delta, res.Replayed)
	s.NotifyLevelChanged(ctx, userID, res)
	return res, nil
}

// AppendTx writes one ledger entry inside the caller's transaction. The
// caller owns the commit and must call NotifyLevelChanged afterwards so
// listeners observe committed state.
//
// The user's balance row is locked first; the idempotency check, the
// negative-balance check, the append and the cached balance refresh all
// happen under that lock.
func (s *Service) AppendTx(ctx context.Context, tx storage.Store, userID string, delta int64, reason ledger.Reason, opts ...Option) (Result, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if userID == "" {
		return Result{}, errs.E(errs.CodeValidation, "user id is required")
	}
	if !reason.Known() {
		return Result{}, errs.E(errs.CodeValidation, "unknown reason %q", reason)
	}
	if delta == 0 {
		return Result{}, errs.E(errs.CodeValidation, "delta must be non-zero")
	}
	if reason.Earning() && delta <= 0 {
		return Result{}, errs.E(errs.CodeValidation, "reason %s requires a positive delta, got %d", reason, delta)
	}
	if reason.Debit() && delta >= 0 {
		return Result{}, errs.E(errs.CodeValidation, "reason %s requires a negative delta, got %d", reason, delta)
	}

	balance, err := tx.BalanceForUpdate(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	if o.key != "" {
		existing, found, err := tx.FindEntryByKey(ctx, userID, o.key)
		if err != nil {
			return Result{}, err
		}
		if found {
			current := s.table.Resolve(balance)
			return Result{Entry: existing, Balance: balance, Tier: current, OldTier: current, Replayed: true}, nil
		}
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return Result{}, errs.E(errs.CodeInsufficientBalance, "balance %d is insufficient for delta %d", balance, delta)
	}

	entry, err := tx.AppendEntry(ctx, ledger.Entry{
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		Description:    o.description,
		Reference:      o.reference,
		IdempotencyKey: o.key,
	})
	if err != nil {
		return Result{}, err
	}

	oldTier := s.table.Resolve(balance)
	newTier := s.table.Resolve(newBalance)
	if err := tx.SetBalance(ctx, userID, newBalance, newTier.Name); err != nil {
		return Result{}, err
	}

	return Result{
		Entry:        entry,
		Balance:      newBalance,
		Tier:         newTier,
		OldTier:      oldTier,
		LevelChanged: oldTier.Name != newTier.Name,
	}, nil
}

// NotifyLevelChanged fires registered listeners when res crossed a tier
// boundary. Callers invoke it after their transaction committed.
func (s *Service) NotifyLevelChanged(ctx context.Context, userID string, res Result) {
	if !res.LevelChanged || res.Replayed {
		return
	}

	metrics.RecordLevelChange(res.OldTier.Name, res.Tier.Name)
	s.log.WithField("user", userID).
		WithField("from", res.OldTier.Name).
		WithField("to", res.Tier.Name).
		Info("level changed")

	s.mu.RLock()
	listeners := append([]LevelListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, userID, res.OldTier, res.Tier)
	}
}

// GetBalance returns the user's current point balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errs.E(errs.CodeValidation, "user id is required")
	}
	return s.store.SumLedger(ctx, userID)
}

// GetUserLevelInfo resolves the user's tier and progress toward the next one.
func (s *Service) GetUserLevelInfo(ctx context.Context, userID string) (LevelInfo, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return LevelInfo{}, err
	}

	current := s.table.Resolve(balance)
	info := LevelInfo{
		Tier:       current.Name,
		Multiplier: current.BenefitMultiplier,
		Balance:    balance,
	}

	next, ok := s.table.Next(current)
	if !ok {
		info.ProgressPercent = 100
		return info, nil
	}

	info.PointsToNextTier = next.MinPoints - balance
	span := next.MinPoints - current.MinPoints
	info.ProgressPercent = int((balance - current.MinPoints) * 100 / span)
	return info, nil
}

// History returns the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errs.E(errs.CodeValidation, "user id is required")
	}
	return s.store.ListEntries(ctx, userID, limit)
}
