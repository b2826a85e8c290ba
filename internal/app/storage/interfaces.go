package storage

import (
	"context"
	"time"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/badge"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
)

// LedgerStore persists the append-only points ledger and the cached per-user
// balance derived from it. The cached balance must be refreshed in the same
// transaction as every append so it can never drift from the ledger sum.
type LedgerStore interface {
	// AppendEntry writes one immutable ledger row. Implementations must
	// reject a duplicate (user, idempotency key) pair.
	AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)

	// FindEntryByKey returns the entry previously appended for the user with
	// the given idempotency key, if any.
	FindEntryByKey(ctx context.Context, userID, key string) (ledger.Entry, bool, error)

	// BalanceForUpdate returns the user's balance, locking the balance
	// aggregate against concurrent writers for the rest of the enclosing
	// transaction. Outside a transaction it behaves like SumLedger.
	BalanceForUpdate(ctx context.Context, userID string) (int64, error)

	// SetBalance refreshes the cached balance and tier for the user.
	SetBalance(ctx context.Context, userID string, balance int64, tierName string) error

	// SumLedger returns the user's current balance.
	SumLedger(ctx context.Context, userID string) (int64, error)

	// ListEntries returns the user's most recent entries, newest first.
	ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

// ReferralStore persists referral lifecycle records.
type ReferralStore interface {
	CreateReferral(ctx context.Context, r referral.Referral) (referral.Referral, error)
	GetReferral(ctx context.Context, code string) (referral.Referral, error)

	// GetReferralForUpdate locks the referral row against concurrent writers
	// for the rest of the enclosing transaction.
	GetReferralForUpdate(ctx context.Context, code string) (referral.Referral, error)

	// UpdateReferral writes the referral only when its stored stage still
	// equals expect, reporting false when another writer got there first.
	UpdateReferral(ctx context.Context, r referral.Referral, expect referral.Stage) (bool, error)

	// ListExpirable returns non-terminal referrals past their TTL at now.
	ListExpirable(ctx context.Context, now time.Time) ([]referral.Referral, error)

	ListReferralsByReferrer(ctx context.Context, referrerID string) ([]referral.Referral, error)
}

// RewardStore persists the reward catalog.
type RewardStore interface {
	PutReward(ctx context.Context, rw reward.Reward) (reward.Reward, error)
	GetReward(ctx context.Context, id string) (reward.Reward, error)
	ListRewards(ctx context.Context) ([]reward.Reward, error)
}

// BadgeStore persists one-time badge awards.
type BadgeStore interface {
	// AwardBadge records the award, reporting false without error when the
	// user already holds the badge.
	AwardBadge(ctx context.Context, a badge.Award) (bool, error)
	ListAwards(ctx context.Context, userID string) ([]badge.Award, error)
}

// Store is the full persistence contract for the loyalty engine.
type Store interface {
	LedgerStore
	ReferralStore
	RewardStore
	BadgeStore

	// Atomically runs fn inside a single transaction. The Store passed to fn
	// sees and writes uncommitted state; returning an error rolls everything
	// back. Calls nest: a Store that is already transactional runs fn
	// directly.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
