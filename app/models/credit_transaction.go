package models

import "time"

type TransactionType string

const (
	TransactionTypePurchase    TransactionType = "PURCHASE"
	TransactionTypeBonus       TransactionType = "BONUS"
	TransactionTypeConsumption TransactionType = "CONSUMPTION"
	TransactionTypeRefund      TransactionType = "REFUND"
)

// IsGrant reports whether the type adds credits.
func (t TransactionType) IsGrant() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeBonus, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionStatusActive  TransactionStatus = "ACTIVE"
	TransactionStatusUsed    TransactionStatus = "USED"
	TransactionStatusExpired TransactionStatus = "EXPIRED"
)

// Provenance tags written to CreditTransaction.Source.
const (
	SourceSignupBonus     = "SIGNUP_BONUS"
	SourceOneTimePurchase = "ONE_TIME_PURCHASE"
	SourceMigrationV1     = "MIGRATION_V1"
	SourceJobRefund       = "JOB_REFUND"
	SourceSubscriptionFmt = "SUBSCRIPTION_%s"
)

// CreditTransaction is one append-only ledger entry. Grant rows double as
// lots: Remaining tracks how much of the grant is still spendable and is
// drawn down by consumption in earliest-expiry order. Amount is never
// rewritten after insert.
type CreditTransaction struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	UserID        uint              `gorm:"not null;index:idx_credit_transactions_user_status,priority:1;index:idx_credit_transactions_payment_ref,priority:1;index" json:"user_id"`
	Type          TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Amount        int64             `gorm:"not null" json:"amount"`
	Remaining     int64             `gorm:"not null;default:0;check:chk_credit_transactions_remaining,remaining >= 0" json:"remaining"`
	ExpiredAmount int64             `gorm:"not null;default:0" json:"expired_amount"`
	Source        string            `gorm:"type:varchar(64);not null;index" json:"source"`
	Status        TransactionStatus `gorm:"type:varchar(16);not null;index:idx_credit_transactions_user_status,priority:2" json:"status"`
	ExpiresAt     *time.Time        `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	FeatureUsed   *string           `gorm:"type:varchar(64);default:null" json:"feature_used,omitempty"`
	PaymentRef    string            `gorm:"type:varchar(191);not null;default:'';index:idx_credit_transactions_payment_ref,priority:2" json:"payment_ref,omitempty"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
