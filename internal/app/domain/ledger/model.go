// Package ledger defines the append-only points ledger entries that act as
// the source of truth for every user balance.
package ledger

import "time"

// Reason is the enumerated action code attached to every ledger entry.
type Reason string

const (
	ReasonPolicyBought     Reason = "POLICY_BOUGHT"
	ReasonPolicyRenewed    Reason = "POLICY_RENEWED"
	ReasonQuizCompleted    Reason = "QUIZ_COMPLETED"
	ReasonProfileCompleted Reason = "PROFILE_COMPLETED"
	ReasonLoginStreak      Reason = "LOGIN_STREAK"

	ReasonReferralRegistered Reason = "REFERRAL_REGISTERED"
	ReasonReferralProfile    Reason = "REFERRAL_PROFILE"
	ReasonReferralConverted  Reason = "REFERRAL_CONVERTED"

	ReasonRedemption      Reason = "REDEMPTION"
	ReasonAdminCorrection Reason = "ADMIN_CORRECTION"
)

// Entry is one immutable signed point movement for a user. Corrections are
// new offsetting entries; rows are never mutated or deleted.
type Entry struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"userId"`
	Delta          int64     `db:"delta" json:"delta"`
	Reason         Reason    `db:"reason" json:"reason"`
	Description    string    `db:"description" json:"description,omitempty"`
	Reference      string    `db:"reference" json:"reference,omitempty"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Earning reports whether the reason credits points. Earning entries must
// carry a positive delta.
func (r Reason) Earning() bool {
	switch r {
	case ReasonPolicyBought, ReasonPolicyRenewed, ReasonQuizCompleted,
		ReasonProfileCompleted, ReasonLoginStreak,
		ReasonReferralRegistered, ReasonReferralProfile, ReasonReferralConverted:
		return true
	}
	return false
}

// Debit reports whether the reason removes points.
func (r Reason) Debit() bool {
	return r == ReasonRedemption
}

// Known reports whether the reason is one of the enumerated action codes.
func (r Reason) Known() bool {
	return r.Earning() || r.Debit() || r == ReasonAdminCorrection
}
