// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Every mutating loyalty operation runs inside Atomically; the per-user
// balance row is locked with SELECT ... FOR UPDATE so concurrent appends and
// redemptions for the same user serialize at the database, not in process.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/badge"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/reward"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

// Store implements storage.Store over a PostgreSQL database.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// mapError translates driver failures into the shared error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errs.Wrap(errs.CodeConflict, err, "unique constraint violated")
		case "23514": // check_violation
			return errs.Wrap(errs.CodeInsufficientBalance, err, "balance constraint violated")
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errs.Wrap(errs.CodeConflict, err, "transaction conflict")
		}
	}
	return errs.Wrap(errs.CodeStoreUnavailable, err, "store error")
}

// --- LedgerStore -------------------------------------------------------------

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_ledger (id, user_id, delta, reason, description, reference, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, e.ID, e.UserID, e.Delta, e.Reason, e.Description, e.Reference, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, mapError(err)
	}
	return e, nil
}

func (s *Store) FindEntryByKey(ctx context.Context, userID, key string) (ledger.Entry, bool, error) {
	var e ledger.Entry
	err := sqlx.GetContext(ctx, s.q, &e, `
		SELECT id, user_id, delta, reason, description, reference,
		       COALESCE(idempotency_key, '') AS idempotency_key, created_at
		FROM loyalty_ledger
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, mapError(err)
	}
	return e, true, nil
}

func (s *Store) BalanceForUpdate(ctx context.Context, userID string) (int64, error) {
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, mapError(err)
	}

	var balance int64
	err := sqlx.GetContext(ctx, s.q, &balance, `
		SELECT balance FROM loyalty_balances WHERE user_id = $1 FOR UPDATE
	`, userID)
	if err != nil {
		return 0, mapError(err)
	}
	return balance, nil
}

func (s *Store) SetBalance(ctx context.Context, userID string, balance int64, tierName string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_balances (user_id, balance, tier, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance, tier = EXCLUDED.tier, updated_at = now()
	`, userID, balance, tierName)
	return mapError(err)
}

func (s *Store) SumLedger(ctx context.Context, userID string) (int64, error) {
	// The balance row is refreshed in the same transaction as every append,
	// so reading it is equivalent to summing the ledger.
	var balance int64
	err := sqlx.GetContext(ctx, s.q, &balance, `
		SELECT COALESCE((SELECT balance FROM loyalty_balances WHERE user_id = $1), 0)
	`, userID)
	if err != nil {
		return 0, mapError(err)
	}
	return balance, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []ledger.Entry{}
	err := sqlx.SelectContext(ctx, s.q, &entries, `
		SELECT id, user_id, delta, reason, description, reference,
		       COALESCE(idempotency_key, '') AS idempotency_key, created_at
		FROM loyalty_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

// --- ReferralStore -----------------------------------------------------------

func (s *Store) CreateReferral(ctx context.Context, r referral.Referral) (referral.Referral, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_referrals (code, referrer_id, referred_id, stage, premium_cents, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.Code, r.ReferrerID, r.ReferredID, r.Stage, r.PremiumCents, r.CreatedAt, r.UpdatedAt, r.ExpiresAt)
	if err != nil {
		return referral.Referral{}, mapError(err)
	}
	return r, nil
}

func (s *Store) getReferral(ctx context.Context, code string, forUpdate bool) (referral.Referral, error) {
	query := `
		SELECT code, referrer_id, referred_id, stage, premium_cents, created_at, updated_at, expires_at
		FROM loyalty_referrals
		WHERE code = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var r referral.Referral
	err := sqlx.GetContext(ctx, s.q, &r, query, code)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.Referral{}, errs.E(errs.CodeNotFound, "referral code %q not found", code)
	}
	if err != nil {
		return referral.Referral{}, mapError(err)
	}
	return r, nil
}

func (s *Store) GetReferral(ctx context.Context, code string) (referral.Referral, error) {
	return s.getReferral(ctx, code, false)
}

func (s *Store) GetReferralForUpdate(ctx context.Context, code string) (referral.Referral, error) {
	return s.getReferral(ctx, code, true)
}

func (s *Store) UpdateReferral(ctx context.Context, r referral.Referral, expect referral.Stage) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE loyalty_referrals
		SET referred_id = $2, stage = $3, premium_cents = $4, updated_at = now()
		WHERE code = $1 AND stage = $5
	`, r.Code, r.ReferredID, r.Stage, r.PremiumCents, expect)
	if err != nil {
		return false, mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}
	return rows > 0, nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time) ([]referral.Referral, error) {
	out := []referral.Referral{}
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT code, referrer_id, referred_id, stage, premium_cents, created_at, updated_at, expires_at
		FROM loyalty_referrals
		WHERE expires_at < $1 AND stage NOT IN ($2, $3)
		ORDER BY expires_at
	`, now, referral.StageConverted, referral.StageExpired)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]referral.Referral, error) {
	out := []referral.Referral{}
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT code, referrer_id, referred_id, stage, premium_cents, created_at, updated_at, expires_at
		FROM loyalty_referrals
		WHERE referrer_id = $1
		ORDER BY created_at
	`, referrerID)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// --- RewardStore -------------------------------------------------------------

func (s *Store) PutReward(ctx context.Context, rw reward.Reward) (reward.Reward, error) {
	if rw.ID == "" {
		rw.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_rewards (id, name, description, points_cost, min_tier, available)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    points_cost = EXCLUDED.points_cost, min_tier = EXCLUDED.min_tier,
		    available = EXCLUDED.available
	`, rw.ID, rw.Name, rw.Description, rw.PointsCost, rw.MinTier, rw.Available)
	if err != nil {
		return reward.Reward{}, mapError(err)
	}
	return rw, nil
}

func (s *Store) GetReward(ctx context.Context, id string) (reward.Reward, error) {
	var rw reward.Reward
	err := sqlx.GetContext(ctx, s.q, &rw, `
		SELECT id, name, description, points_cost, min_tier, available
		FROM loyalty_rewards
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return reward.Reward{}, errs.E(errs.CodeNotFound, "reward %q not found", id)
	}
	if err != nil {
		return reward.Reward{}, mapError(err)
	}
	return rw, nil
}

func (s *Store) ListRewards(ctx context.Context) ([]reward.Reward, error) {
	out := []reward.Reward{}
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT id, name, description, points_cost, min_tier, available
		FROM loyalty_rewards
		ORDER BY points_cost, id
	`)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// --- BadgeStore --------------------------------------------------------------

func (s *Store) AwardBadge(ctx context.Context, a badge.Award) (bool, error) {
	if a.EarnedAt.IsZero() {
		a.EarnedAt = time.Now().UTC()
	}
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO loyalty_badges (user_id, badge_id, earned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, badge_id) DO NOTHING
	`, a.UserID, a.BadgeID, a.EarnedAt)
	if err != nil {
		return false, mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}
	return rows > 0, nil
}

func (s *Store) ListAwards(ctx context.Context, userID string) ([]badge.Award, error) {
	out := []badge.Award{}
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT user_id, badge_id, earned_at
		FROM loyalty_badges
		WHERE user_id = $1
		ORDER BY earned_at
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// --- Transactions ------------------------------------------------------------

func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	if s.db == nil {
		// Already inside a transaction.
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}
