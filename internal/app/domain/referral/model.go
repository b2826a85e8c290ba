// Package referral models the referral lifecycle as an explicit state
// machine. Stage transitions are driven by a fixed table so an illegal move
// is unrepresentable rather than checked ad hoc at call sites.
package referral

import "time"

// Stage is one step of the referral lifecycle.
type Stage string

const (
	StageIssued           Stage = "ISSUED"
	StageRegistered       Stage = "REGISTERED"
	StageProfileCompleted Stage = "PROFILE_COMPLETED"
	StageConverted        Stage = "CONVERTED"
	StageExpired          Stage = "EXPIRED"
)

// order lists the forward progression. EXPIRED sits outside the ordering and
// is reachable from any non-terminal stage.
var order = []Stage{StageIssued, StageRegistered, StageProfileCompleted, StageConverted}

var rank = func() map[Stage]int {
	m := make(map[Stage]int, len(order))
	for i, s := range order {
		m[s] = i
	}
	return m
}()

// Known reports whether s is a defined stage.
func (s Stage) Known() bool {
	_, ok := rank[s]
	return ok || s == StageExpired
}

// Terminal reports whether the referral can never move again.
func (s Stage) Terminal() bool {
	return s == StageConverted || s == StageExpired
}

// Successor returns the immediate next stage in the forward progression.
func (s Stage) Successor() (Stage, bool) {
	i, ok := rank[s]
	if !ok || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// CanAdvance reports whether from may transition directly to to. Only the
// immediate successor is allowed; there is no skipping and no regression.
// Expiry is permitted from any non-terminal stage.
func CanAdvance(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageExpired {
		return true
	}
	next, ok := from.Successor()
	return ok && next == to
}

// Referral tracks one referral code from issuance to conversion or expiry.
// ReferredID is empty until the code is claimed and can never be rebound.
type Referral struct {
	Code         string    `db:"code" json:"code"`
	ReferrerID   string    `db:"referrer_id" json:"referrerId"`
	ReferredID   string    `db:"referred_id" json:"referredId,omitempty"`
	Stage        Stage     `db:"stage" json:"stage"`
	PremiumCents int64     `db:"premium_cents" json:"premiumCents,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
	ExpiresAt    time.Time `db:"expires_at" json:"expiresAt"`
}

// ExpiredAt reports whether the referral is past its time-to-live at now and
// still in a stage that expiry applies to.
func (r Referral) ExpiredAt(now time.Time) bool {
	return !r.Stage.Terminal() && now.After(r.ExpiresAt)
}
