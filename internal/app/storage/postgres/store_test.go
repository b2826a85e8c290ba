package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/badge"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"
	"github.com/sorianoseguros/loyalty-engine/internal/app/domain/referral"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	errs "github.com/sorianoseguros/loyalty-engine/internal/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestAppendEntryTranslatesUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_ledger")).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.AppendEntry(context.Background(), ledger.Entry{
		UserID: "u1", Delta: 100, Reason: ledger.ReasonQuizCompleted, IdempotencyKey: "k",
	})
	if !errs.HasCode(err, errs.CodeConflict) {
		t.Fatalf("got %v, want CONFLICT", err)
	}
}

func TestAppendEntryFillsDefaults(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_ledger")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, err := store.AppendEntry(context.Background(), ledger.Entry{
		UserID: "u1", Delta: 100, Reason: ledger.ReasonQuizCompleted,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("defaults not filled: %+v", e)
	}
}

func TestSetBalanceTranslatesCheckViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_balances")).
		WillReturnError(&pq.Error{Code: "23514"})

	err := store.SetBalance(context.Background(), "u1", -10, "BRONCE")
	if !errs.HasCode(err, errs.CodeInsufficientBalance) {
		t.Fatalf("got %v, want INSUFFICIENT_BALANCE", err)
	}
}

func TestDriverErrorsBecomeStoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM loyalty_balances")).
		WillReturnError(errors.New("connection reset"))

	_, err := store.SumLedger(context.Background(), "u1")
	if !errs.HasCode(err, errs.CodeStoreUnavailable) {
		t.Fatalf("got %v, want STORE_UNAVAILABLE", err)
	}
	if !errs.Retryable(err) {
		t.Fatal("store errors should be retryable")
	}
}

func TestFindEntryByKeyMiss(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM loyalty_ledger")).
		WithArgs("u1", "k").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, found, err := store.FindEntryByKey(context.Background(), "u1", "k")
	if err != nil {
		t.Fatalf("FindEntryByKey: %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestGetReferralNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM loyalty_referrals")).
		WithArgs("SC-MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"code"}))

	_, err := store.GetReferral(context.Background(), "SC-MISSING")
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestUpdateReferralReportsStaleStage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE loyalty_referrals")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.UpdateReferral(context.Background(), referral.Referral{
		Code: "SC-ABC", Stage: referral.StageRegistered,
	}, referral.StageIssued)
	if err != nil {
		t.Fatalf("UpdateReferral: %v", err)
	}
	if ok {
		t.Fatal("stale compare-and-swap must report false")
	}
}

func TestAwardBadgeDuplicateIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_badges")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.AwardBadge(context.Background(), badge.Award{
		UserID: "u1", BadgeID: "tier-plata", EarnedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AwardBadge: %v", err)
	}
	if created {
		t.Fatal("duplicate award must report false")
	}
}

func TestAtomicallyCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_balances")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return tx.SetBalance(ctx, "u1", 100, "BRONCE")
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	boom := errs.E(errs.CodeValidation, "boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Store) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback error", err)
	}
}

func TestNestedAtomicallyReusesTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loyalty_balances")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Store) error {
		// Inner Atomically must not open a second transaction.
		return tx.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
			return tx.SetBalance(ctx, "u1", 100, "BRONCE")
		})
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}
}
