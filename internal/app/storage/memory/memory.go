// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/badge"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

// Store is an in-memory implementation of storage.Store. Transactions are
// serialized by a coarse lock and writes apply immediately; services perform
// all validation before their first write, so rollback is never needed for
// the flows exercised against this store.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	entries      map[string][]ledger.Entry
	entriesByKey map[string]ledger.Entry
	balances     map[string]balanceRow
	referrals    map[string]referral.Referral
	rewards      map[string]reward.Reward
	rewardOrder  []string
	badges       map[string]badge.Award
}

type balanceRow struct {
	balance int64
	tier    string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:      make(map[string][]ledger.Entry),
		entriesByKey: make(map[string]ledger.Entry),
		balances:     make(map[string]balanceRow),
		referrals:    make(map[string]referral.Referral),
		rewards:      make(map[string]reward.Reward),
		badges:       make(map[string]badge.Award),
	}
}

func compoundKey(a, b string) string { return a + "\x00" + b }

// --- LedgerStore -------------------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, exists := s.entriesByKey[compoundKey(e.UserID, e.IdempotencyKey)]; exists {
			return ledger.Entry{}, errs.E(errs.CodeConflict, "duplicate idempotency key %q for user %s", e.IdempotencyKey, e.UserID)
		}
	}

	var sum int64
	for _, prev := range s.entries[e.UserID] {
		sum += prev.Delta
	}
	if sum+e.Delta < 0 {
		return ledger.Entry{}, errs.E(errs.CodeInsufficientBalance, "balance would be negative: %d%+d", sum, e.Delta)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.entries[e.UserID] = append(s.entries[e.UserID], e)
	if e.IdempotencyKey != "" {
		s.entriesByKey[compoundKey(e.UserID, e.IdempotencyKey)] = e
	}
	return e, nil
}

func (s *Store) FindEntryByKey(_ context.Context, userID, key string) (ledger.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entriesByKey[compoundKey(userID, key)]
	return e, ok, nil
}

func (s *Store) BalanceForUpdate(ctx context.Context, userID string) (int64, error) {
	return s.SumLedger(ctx, userID)
}

func (s *Store) SetBalance(_ context.Context, userID string, balance int64, tierName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] = balanceRow{balance: balance, tier: tierName}
	return nil
}

func (s *Store) SumLedger(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.entries[userID] {
		sum += e.Delta
	}
	return sum, nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]ledger.Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// --- ReferralStore -----------------------------------------------------------

func (s *Store) CreateReferral(_ context.Context, r referral.Referral) (referral.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referrals[r.Code]; exists {
		return referral.Referral{}, errs.E(errs.CodeConflict, "referral code %q already exists", r.Code)
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.referrals[r.Code] = r
	return r, nil
}

func (s *Store) GetReferral(_ context.Context, code string) (referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[code]
	if !ok {
		return referral.Referral{}, errs.E(errs.CodeNotFound, "referral code %q not found", code)
	}
	return r, nil
}

func (s *Store) GetReferralForUpdate(ctx context.Context, code string) (referral.Referral, error) {
	return s.GetReferral(ctx, code)
}

func (s *Store) UpdateReferral(_ context.Context, r referral.Referral, expect referral.Stage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.referrals[r.Code]
	if !ok {
		return false, errs.E(errs.CodeNotFound, "referral code %q not found", r.Code)
	}
	if current.Stage != expect {
		return false, nil
	}

	r.CreatedAt = current.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.referrals[r.Code] = r
	return true, nil
}

func (s *Store) ListExpirable(_ context.Context, now time.Time) ([]referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []referral.Referral
	for _, r := range s.referrals {
		if r.ExpiredAt(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) ListReferralsByReferrer(_ context.Context, referrerID string) ([]referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []referral.Referral
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- RewardStore -------------------------------------------------------------

func (s *Store) PutReward(_ context.Context, rw reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rw.ID == "" {
		rw.ID = uuid.NewString()
	}
	if _, exists := s.rewards[rw.ID]; !exists {
		s.rewardOrder = append(s.rewardOrder, rw.ID)
	}
	s.rewards[rw.ID] = rw
	return rw, nil
}

func (s *Store) GetReward(_ context.Context, id string) (reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rw, ok := s.rewards[id]
	if !ok {
		return reward.Reward{}, errs.E(errs.CodeNotFound, "reward %q not found", id)
	}
	return rw, nil
}

func (s *Store) ListRewards(_ context.Context) ([]reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reward.Reward, 0, len(s.rewardOrder))
	for _, id := range s.rewardOrder {
		out = append(out, s.rewards[id])
	}
	return out, nil
}

// --- BadgeStore --------------------------------------------------------------

func (s *Store) AwardBadge(_ context.Context, a badge.Award) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compoundKey(a.UserID, a.BadgeID)
	if _, exists := s.badges[key]; exists {
		return false, nil
	}
	if a.EarnedAt.IsZero() {
		a.EarnedAt = time.Now().UTC()
	}
	s.badges[key] = a
	return true, nil
}

func (s *Store) ListAwards(_ context.Context, userID string) ([]badge.Award, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []badge.Award
	for _, a := range s.badges {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EarnedAt.Before(out[j].EarnedAt) })
	return out, nil
}

// --- Transactions ------------------------------------------------------------

// txView is a Store view handed to Atomically callbacks. Nested Atomically
// calls run their function directly instead of re-acquiring the lock.
type txView struct{ *Store }

func (t txView) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	return fn(ctx, t)
}

func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, txView{s})
}
