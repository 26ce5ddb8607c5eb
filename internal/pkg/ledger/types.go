package ledger

import (
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// GrantRequest describes credits to add to a user's balance.
type GrantRequest struct {
	UserID     uint
	Amount     int64
	Type       models.TransactionType
	Source     string
	PaymentRef string
}

// GrantResult reports what a grant actually did after the plan cap applied.
type GrantResult struct {
	Transaction *models.CreditTransaction
	Granted     int64
	Dropped     int64
	ExpiresAt   *time.Time
	Balance     int64
}

// MigrationResult reports the outcome of a legacy balance migration.
type MigrationResult struct {
	Migrated    int64
	AlreadyDone bool
	Balance     int64
}

// Reconciliation compares the materialized balance with the transaction log.
type Reconciliation struct {
	Balance  int64
	LotSum   int64
	Granted  int64
	Consumed int64
	Expired  int64
	Balanced bool
}
