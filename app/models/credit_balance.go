package models

import "time"

// SignupBonusCredits is granted once when a user's balance row is first created.
const SignupBonusCredits int64 = 20

// CreditBalance is the materialized per-user balance. It is a cache of the
// transaction log and only changes through ledger operations.
type CreditBalance struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	UserID       uint      `gorm:"not null;uniqueIndex:ux_credit_balances_user" json:"user_id"`
	TotalCredits int64     `gorm:"not null;default:0;check:chk_credit_balances_non_negative,total_credits >= 0" json:"total_credits"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
