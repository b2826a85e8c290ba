// Package badge defines one-time achievement awards.
package badge

import "time"

// Badge describes an achievement a user can earn once.
type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Award records that a user earned a badge. Uniqueness per (UserID, BadgeID)
// is enforced by the store.
type Award struct {
	UserID   string    `db:"user_id" json:"userId"`
	BadgeID  string    `db:"badge_id" json:"badgeId"`
	EarnedAt time.Time `db:"earned_at" json:"earnedAt"`
}
