// Package reward defines the redeemable reward catalog entries.
package reward

import "github.com/sorianoseguros/loyalty-engine/internal/app/domain/ledger"

// Reward is one redeemable catalog item. MinTier is empty when any tier may
// redeem it.
type Reward struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
	PointsCost  int64  `db:"points_cost" json:"pointsCost"`
	MinTier     string `db:"min_tier" json:"minTier,omitempty"`
	Available   bool   `db:"available" json:"available"`
}

// RedemptionResult reports the outcome of a successful redemption. Replayed
// is true when the request was an idempotent retry of an earlier redemption;
// the original entry and balance are returned unchanged.
type RedemptionResult struct {
	Reward     Reward       `json:"reward"`
	Entry      ledger.Entry `json:"entry"`
	NewBalance int64        `json:"newBalance"`
	Replayed   bool         `json:"replayed"`
}
