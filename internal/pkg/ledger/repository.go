package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
)

// errOutOfBalance means the balance row and the lots disagree; the enclosing
// transaction is rolled back.
var errOutOfBalance = errors.New("ledger out of balance")

// store wraps the queries the ledger issues. It is always bound to a
// transaction when it mutates.
type store struct {
	db *gorm.DB
}

// insertBalanceIfAbsent creates the balance row holding initial credits. It
// reports whether this call created it.
func (s store) insertBalanceIfAbsent(userID uint, initial int64) (bool, error) {
	bal := &models.CreditBalance{UserID: userID, TotalCredits: initial}
	tx := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(bal)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// lockBalance reads the balance row with a row lock held until commit.
func (s store) lockBalance(userID uint) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&bal).Error
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s store) getBalance(userID uint) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	if err := s.db.Where("user_id = ?", userID).First(&bal).Error; err != nil {
		return nil, err
	}
	return &bal, nil
}

func (s store) incrementBalance(userID uint, amount int64) error {
	tx := s.db.Model(&models.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("total_credits", gorm.Expr("total_credits + ?", amount))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: no balance row for user %d", errOutOfBalance, userID)
	}
	return nil
}

// decrementBalance is the conditional debit. It reports false when the
// balance was below amount, leaving the row untouched.
func (s store) decrementBalance(userID uint, amount int64) (bool, error) {
	tx := s.db.Model(&models.CreditBalance{}).
		Where("user_id = ? AND total_credits >= ?", userID, amount).
		Update("total_credits", gorm.Expr("total_credits - ?", amount))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s store) insertTransaction(t *models.CreditTransaction) error {
	return s.db.Create(t).Error
}

// spendableLots returns the user's active lots, earliest expiry first and
// never-expiring lots last.
func (s store) spendableLots(userID uint) ([]models.CreditTransaction, error) {
	var lots []models.CreditTransaction
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND remaining > 0", userID, models.TransactionStatusActive).
		Order("expires_at IS NULL, expires_at ASC, id ASC").
		Find(&lots).Error
	return lots, err
}

// drawLot takes amount from one lot, marking it USED once empty.
func (s store) drawLot(lot models.CreditTransaction, take int64) error {
	status := models.TransactionStatusActive
	if lot.Remaining == take {
		status = models.TransactionStatusUsed
	}
	tx := s.db.Model(&models.CreditTransaction{}).
		Where("id = ? AND status = ? AND remaining >= ?", lot.ID, models.TransactionStatusActive, take).
		Updates(map[string]interface{}{
			"remaining": gorm.Expr("remaining - ?", take),
			"status":    status,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: lot %d changed underneath", errOutOfBalance, lot.ID)
	}
	return nil
}

func (s store) dueLots(userID uint, now time.Time) ([]models.CreditTransaction, error) {
	var lots []models.CreditTransaction
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND remaining > 0 AND expires_at IS NOT NULL AND expires_at <= ?",
			userID, models.TransactionStatusActive, now).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

func (s store) expireLot(lot models.CreditTransaction) (bool, error) {
	tx := s.db.Model(&models.CreditTransaction{}).
		Where("id = ? AND status = ? AND remaining = ?", lot.ID, models.TransactionStatusActive, lot.Remaining).
		Updates(map[string]interface{}{
			"status":         models.TransactionStatusExpired,
			"expired_amount": lot.Remaining,
			"remaining":      0,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// usersWithDueLots lists users holding at least one lot past its expiry.
func (s store) usersWithDueLots(now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.CreditTransaction{}).
		Where("status = ? AND remaining > 0 AND expires_at IS NOT NULL AND expires_at <= ?", models.TransactionStatusActive, now).
		Distinct().
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (s store) hasSource(userID uint, source string) (bool, error) {
	var count int64
	err := s.db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND source = ?", userID, source).
		Count(&count).Error
	return count > 0, err
}

func (s store) lockUser(userID uint) (*models.User, error) {
	var u models.User
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, userID).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s store) clearLegacyCredits(userID uint) error {
	return s.db.Model(&models.User{}).Where("id = ?", userID).Update("credits", 0).Error
}

// activePlan picks the best plan among the user's active subscriptions.
func (s store) activePlan(userID uint) (entitlements.Plan, error) {
	var subs []models.BillingSubscription
	if err := s.db.Where("user_id = ? AND is_active = ?", userID, true).Find(&subs).Error; err != nil {
		return entitlements.PlanFree, err
	}
	best := entitlements.PlanFree
	for _, sub := range subs {
		p := entitlements.NormalizePlan(sub.PlanType)
		if entitlements.Rank(p) > entitlements.Rank(best) {
			best = p
		}
	}
	return best, nil
}

func (s store) listTransactions(userID uint, limit int) ([]models.CreditTransaction, error) {
	var out []models.CreditTransaction
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

type ledgerSums struct {
	Granted  int64
	Consumed int64
	Expired  int64
	LotSum   int64
}

func (s store) sums(userID uint) (ledgerSums, error) {
	var out ledgerSums
	err := s.db.Model(&models.CreditTransaction{}).
		Select(
			"COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS granted, "+
				"COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS consumed, "+
				"COALESCE(SUM(expired_amount), 0) AS expired, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN remaining ELSE 0 END), 0) AS lot_sum",
			models.TransactionStatusActive,
		).
		Where("user_id = ?", userID).
		Scan(&out).Error
	return out, err
}
