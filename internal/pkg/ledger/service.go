// Package ledger owns credit balances and the append-only transaction log.
// Every mutation runs in one database transaction that locks the user's
// balance row first and the grant lots second.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	expiryBatchSize     = 500
)

// Service is the credit ledger.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService creates a ledger on db.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns the same ledger bound to an outer transaction, so a debit or
// grant commits or rolls back together with the caller's own writes.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx, now: s.now}
}

// WithClock returns a ledger that reads the current time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	return &Service{db: s.db, now: func() time.Time { return now().UTC() }}
}

func (s *Service) transaction(ctx context.Context, fn func(st store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(store{db: tx})
	})
}

// GetBalance returns the user's balance, creating it with the signup bonus on
// first access. Lots past their expiry are retired before the value is read.
func (s *Service) GetBalance(ctx context.Context, userID uint) (*models.CreditBalance, error) {
	if userID == 0 {
		return nil, apperr.Validation("user id is required")
	}
	var out *models.CreditBalance
	var expired int64
	err := s.transaction(ctx, func(st store) error {
		now := s.now()
		if err := s.ensureBalance(st, userID, now); err != nil {
			return err
		}
		bal, err := st.lockBalance(userID)
		if err != nil {
			return err
		}
		expired, err = s.expireDueForUser(st, userID, now)
		if err != nil {
			return err
		}
		bal.TotalCredits -= expired
		out = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		metrics.CreditsExpired.Add(float64(expired))
	}
	return out, nil
}

// AssertSufficientBalance fails with an insufficient credits error when the
// user cannot currently afford cost.
func (s *Service) AssertSufficientBalance(ctx context.Context, userID uint, cost int64) error {
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if bal.TotalCredits < cost {
		metrics.InsufficientCredits.Inc()
		return apperr.InsufficientCredits(bal.TotalCredits, cost)
	}
	return nil
}

// Grant adds credits to the user's balance, clamped to the plan cap.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if err := validateGrant(req); err != nil {
		return nil, err
	}
	return s.grant(ctx, req, true, nil)
}

// Refund returns credits for a prepaid job that did not complete. Refunds are
// not subject to the plan cap.
func (s *Service) Refund(ctx context.Context, userID uint, amount int64, feature, reference string) (*GrantResult, error) {
	req := GrantRequest{
		UserID:     userID,
		Amount:     amount,
		Type:       models.TransactionTypeRefund,
		Source:     models.SourceJobRefund,
		PaymentRef: reference,
	}
	if err := validateGrant(req); err != nil {
		return nil, err
	}
	return s.grant(ctx, req, false, &feature)
}

func validateGrant(req GrantRequest) error {
	if req.UserID == 0 {
		return apperr.Validation("user id is required")
	}
	if req.Amount < 1 {
		return apperr.Validation("grant amount must be positive, got %d", req.Amount)
	}
	if !req.Type.IsGrant() {
		return apperr.Validation("transaction type %q cannot grant credits", req.Type)
	}
	if strings.TrimSpace(req.Source) == "" {
		return apperr.Validation("grant source is required")
	}
	return nil
}

func (s *Service) grant(ctx context.Context, req GrantRequest, applyCap bool, feature *string) (*GrantResult, error) {
	var res *GrantResult
	err := s.transaction(ctx, func(st store) error {
		now := s.now()
		if err := s.ensureBalance(st, req.UserID, now); err != nil {
			return err
		}
		var err error
		res, err = s.grantLocked(st, req, applyCap, feature, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Granted > 0 {
		metrics.CreditsGranted.WithLabelValues(string(req.Type)).Add(float64(res.Granted))
	}
	if res.Dropped > 0 {
		metrics.CreditsDropped.Add(float64(res.Dropped))
		log.Warnf("[Ledger] Grant for user %d hit the plan cap: granted=%d dropped=%d source=%s",
			req.UserID, res.Granted, res.Dropped, req.Source)
	}
	return res, nil
}

// grantLocked writes the grant. The balance row must already exist.
func (s *Service) grantLocked(st store, req GrantRequest, applyCap bool, feature *string, now time.Time) (*GrantResult, error) {
	bal, err := st.lockBalance(req.UserID)
	if err != nil {
		return nil, err
	}
	expired, err := s.expireDueForUser(st, req.UserID, now)
	if err != nil {
		return nil, err
	}
	current := bal.TotalCredits - expired

	plan, err := st.activePlan(req.UserID)
	if err != nil {
		return nil, err
	}
	policy := entitlements.PolicyFor(plan)

	granted, dropped := req.Amount, int64(0)
	if applyCap {
		granted, dropped = policy.Clamp(current, req.Amount)
	}
	res := &GrantResult{Granted: granted, Dropped: dropped, Balance: current}
	if granted == 0 {
		return res, nil
	}

	res.ExpiresAt = policy.ExpiresAt(now)
	row := &models.CreditTransaction{
		UserID:      req.UserID,
		Type:        req.Type,
		Amount:      granted,
		Remaining:   granted,
		Source:      req.Source,
		Status:      models.TransactionStatusActive,
		ExpiresAt:   res.ExpiresAt,
		FeatureUsed: feature,
		PaymentRef:  req.PaymentRef,
	}
	if err := st.insertTransaction(row); err != nil {
		return nil, err
	}
	if err := st.incrementBalance(req.UserID, granted); err != nil {
		return nil, err
	}
	res.Transaction = row
	res.Balance = current + granted
	return res, nil
}

// Consume debits amount for feature. The debit is a single conditional
// update, so concurrent consumers can never drive the balance below zero.
func (s *Service) Consume(ctx context.Context, userID uint, amount int64, feature, reference string) (*models.CreditTransaction, error) {
	if userID == 0 {
		return nil, apperr.Validation("user id is required")
	}
	if amount < 1 {
		return nil, apperr.Validation("consume amount must be positive, got %d", amount)
	}
	if strings.TrimSpace(feature) == "" {
		return nil, apperr.Validation("feature is required")
	}

	var row *models.CreditTransaction
	var expired int64
	err := s.transaction(ctx, func(st store) error {
		now := s.now()
		if err := s.ensureBalance(st, userID, now); err != nil {
			return err
		}
		bal, err := st.lockBalance(userID)
		if err != nil {
			return err
		}
		expired, err = s.expireDueForUser(st, userID, now)
		if err != nil {
			return err
		}
		ok, err := st.decrementBalance(userID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InsufficientCredits(bal.TotalCredits-expired, amount)
		}
		if err := drawLots(st, userID, amount); err != nil {
			return err
		}
		f := feature
		row = &models.CreditTransaction{
			UserID:      userID,
			Type:        models.TransactionTypeConsumption,
			Amount:      -amount,
			Source:      feature,
			Status:      models.TransactionStatusUsed,
			FeatureUsed: &f,
			PaymentRef:  reference,
		}
		return st.insertTransaction(row)
	})
	if expired > 0 {
		metrics.CreditsExpired.Add(float64(expired))
	}
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientCredits) {
			metrics.InsufficientCredits.Inc()
		}
		return nil, err
	}
	metrics.CreditsConsumed.WithLabelValues(feature).Add(float64(amount))
	return row, nil
}

// drawLots takes amount from the user's active lots, earliest expiry first.
func drawLots(st store, userID uint, amount int64) error {
	lots, err := st.spendableLots(userID)
	if err != nil {
		return err
	}
	need := amount
	for _, lot := range lots {
		if need == 0 {
			break
		}
		take := lot.Remaining
		if take > need {
			take = need
		}
		if err := st.drawLot(lot, take); err != nil {
			return err
		}
		need -= take
	}
	if need > 0 {
		return fmt.Errorf("%w: user %d lots short by %d", errOutOfBalance, userID, need)
	}
	return nil
}

// ensureBalance creates the balance row and its signup bonus lot if the user
// has none yet. Only the caller whose insert created the row writes the lot.
func (s *Service) ensureBalance(st store, userID uint, now time.Time) error {
	created, err := st.insertBalanceIfAbsent(userID, models.SignupBonusCredits)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	plan, err := st.activePlan(userID)
	if err != nil {
		return err
	}
	lot := &models.CreditTransaction{
		UserID:    userID,
		Type:      models.TransactionTypeBonus,
		Amount:    models.SignupBonusCredits,
		Remaining: models.SignupBonusCredits,
		Source:    models.SourceSignupBonus,
		Status:    models.TransactionStatusActive,
		ExpiresAt: entitlements.PolicyFor(plan).ExpiresAt(now),
	}
	if err := st.insertTransaction(lot); err != nil {
		return err
	}
	log.Infof("[Ledger] Created balance for user %d with signup bonus %d", userID, models.SignupBonusCredits)
	return nil
}

// expireDueForUser retires the user's lots that expired at or before now and
// removes their remainder from the balance. The balance row must be locked.
func (s *Service) expireDueForUser(st store, userID uint, now time.Time) (int64, error) {
	lots, err := st.dueLots(userID, now)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, lot := range lots {
		ok, err := st.expireLot(lot)
		if err != nil {
			return 0, err
		}
		if ok {
			total += lot.Remaining
		}
	}
	if total == 0 {
		return 0, nil
	}
	ok, err := st.decrementBalance(userID, total)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: expiring %d credits for user %d", errOutOfBalance, total, userID)
	}
	log.Infof("[Ledger] Expired %d credits from %d lots for user %d", total, len(lots), userID)
	return total, nil
}

// ExpireDue retires every lot that expired at or before now, one user per
// transaction. It returns the number of credits removed.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	var total int64
	seen := make(map[uint]struct{})
	for {
		ids, err := store{db: s.db.WithContext(ctx)}.usersWithDueLots(now, expiryBatchSize)
		if err != nil {
			return total, err
		}
		progressed := false
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			var n int64
			err := s.transaction(ctx, func(st store) error {
				if _, err := st.lockBalance(id); err != nil {
					return err
				}
				var err error
				n, err = s.expireDueForUser(st, id, now)
				return err
			})
			if err != nil {
				log.Errorf("[Ledger] Expiry for user %d failed: %v", id, err)
				continue
			}
			total += n
		}
		if !progressed || len(ids) < expiryBatchSize {
			break
		}
	}
	if total > 0 {
		metrics.CreditsExpired.Add(float64(total))
	}
	return total, nil
}

// MigrateLegacyBalance moves the user's pre-ledger flat balance into the
// ledger as a MIGRATION_V1 grant and zeroes the legacy field. The grant is
// added on top of the signup bonus. Calling it again is a no-op.
func (s *Service) MigrateLegacyBalance(ctx context.Context, userID uint) (*MigrationResult, error) {
	if userID == 0 {
		return nil, apperr.Validation("user id is required")
	}
	res := &MigrationResult{}
	err := s.transaction(ctx, func(st store) error {
		user, err := st.lockUser(userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user")
			}
			return err
		}
		done, err := st.hasSource(userID, models.SourceMigrationV1)
		if err != nil {
			return err
		}
		// The signup bonus is always granted, so the legacy amount lands on
		// top of it whether or not the balance was read first.
		now := s.now()
		if err := s.ensureBalance(st, userID, now); err != nil {
			return err
		}
		if done || user.LegacyCredits <= 0 {
			res.AlreadyDone = done
			bal, err := st.getBalance(userID)
			if err != nil {
				return err
			}
			res.Balance = bal.TotalCredits
			return nil
		}

		g, err := s.grantLocked(st, GrantRequest{
			UserID: userID,
			Amount: user.LegacyCredits,
			Type:   models.TransactionTypeBonus,
			Source: models.SourceMigrationV1,
		}, false, nil, now)
		if err != nil {
			return err
		}
		if err := st.clearLegacyCredits(userID); err != nil {
			return err
		}
		res.Migrated = g.Granted
		res.Balance = g.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Migrated > 0 {
		metrics.CreditsGranted.WithLabelValues(string(models.TransactionTypeBonus)).Add(float64(res.Migrated))
		log.Infof("[Ledger] Migrated %d legacy credits for user %d", res.Migrated, userID)
	}
	return res, nil
}

// ListTransactions returns the user's most recent ledger entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uint, limit int) ([]models.CreditTransaction, error) {
	if userID == 0 {
		return nil, apperr.Validation("user id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return store{db: s.db.WithContext(ctx)}.listTransactions(userID, limit)
}

// Reconcile recomputes the user's balance from the transaction log.
func (s *Service) Reconcile(ctx context.Context, userID uint) (*Reconciliation, error) {
	st := store{db: s.db.WithContext(ctx)}
	bal, err := st.getBalance(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("balance")
		}
		return nil, err
	}
	sums, err := st.sums(userID)
	if err != nil {
		return nil, err
	}
	r := &Reconciliation{
		Balance:  bal.TotalCredits,
		LotSum:   sums.LotSum,
		Granted:  sums.Granted,
		Consumed: sums.Consumed,
		Expired:  sums.Expired,
	}
	r.Balanced = r.Balance == r.LotSum && r.Balance == r.Granted-r.Consumed-r.Expired
	return r, nil
}
