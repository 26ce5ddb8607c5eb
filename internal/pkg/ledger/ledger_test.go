package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Service, *gorm.DB, *clock) {
	t.Helper()
	db := dbtest.Open(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewService(db).WithClock(c.Now), db, c
}

func createUser(t *testing.T, db *gorm.DB, legacy int64) *models.User {
	t.Helper()
	u := &models.User{
		Name:          "ledger user",
		Email:         time.Now().Format("150405.000000000") + "@example.com",
		Status:        models.STATUS_ACTIVE,
		LegacyCredits: legacy,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func subscribe(t *testing.T, db *gorm.DB, userID uint, plan entitlements.Plan) {
	t.Helper()
	require.NoError(t, db.Create(&models.BillingSubscription{
		UserID:                 userID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: "sub_" + string(plan) + time.Now().Format("150405.000000000"),
		PlanType:               string(plan),
		Status:                 models.BillingStatusActive,
		IsActive:               true,
	}).Error)
}

func assertBalanced(t *testing.T, l *Service, userID uint) {
	t.Helper()
	r, err := l.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, r.Balanced, "ledger out of balance: %+v", r)
}

func TestGetBalanceCreatesSignupBonusOnce(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)

	first, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignupBonusCredits, first.TotalCredits)

	second, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TotalCredits, second.TotalCredits)

	var balances, bonuses int64
	db.Model(&models.CreditBalance{}).Where("user_id = ?", u.ID).Count(&balances)
	db.Model(&models.CreditTransaction{}).Where("user_id = ? AND source = ?", u.ID, models.SourceSignupBonus).Count(&bonuses)
	assert.Equal(t, int64(1), balances)
	assert.Equal(t, int64(1), bonuses)
	assertBalanced(t, l, u.ID)
}

func TestGetBalanceConcurrentFirstReads(t *testing.T) {
	l, db, _ := newLedger(t)
	u := createUser(t, db, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.GetBalance(context.Background(), u.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var bonuses int64
	db.Model(&models.CreditTransaction{}).Where("user_id = ? AND source = ?", u.ID, models.SourceSignupBonus).Count(&bonuses)
	assert.Equal(t, int64(1), bonuses)
	assertBalanced(t, l, u.ID)
}

func TestConsumeInsufficientLeavesBalanceUntouched(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)

	_, err := l.Consume(ctx, u.ID, 10, "text_to_image", "")
	require.NoError(t, err)

	_, err = l.Consume(ctx, u.ID, 15, "text_to_image", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.TotalCredits)

	var consumptions int64
	db.Model(&models.CreditTransaction{}).Where("user_id = ? AND type = ?", u.ID, models.TransactionTypeConsumption).Count(&consumptions)
	assert.Equal(t, int64(1), consumptions)
	assertBalanced(t, l, u.ID)
}

func TestConsumeConcurrentNeverOverdraws(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	const cost = 3
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, u.ID, cost, "text_to_image", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
			rejected++
		}()
	}
	wg.Wait()

	assert.Equal(t, int(models.SignupBonusCredits/cost), succeeded)
	assert.Equal(t, 20-succeeded, rejected)

	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignupBonusCredits%cost, bal.TotalCredits)
	assertBalanced(t, l, u.ID)
}

func TestGrantRespectsPlanCap(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	subscribe(t, db, u.ID, entitlements.PlanMaster)

	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	_, err = l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 2880, Type: models.TransactionTypePurchase, Source: models.SourceOneTimePurchase})
	require.NoError(t, err)

	res, err := l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 1500, Type: models.TransactionTypePurchase, Source: "SUBSCRIPTION_MASTER"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Granted)
	assert.Equal(t, int64(1400), res.Dropped)
	assert.Nil(t, res.ExpiresAt, "master grants never expire")
	assert.Equal(t, int64(3000), res.Balance)

	res, err = l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 50, Type: models.TransactionTypeBonus, Source: "PROMO"})
	require.NoError(t, err)
	assert.Zero(t, res.Granted)
	assert.Nil(t, res.Transaction)

	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal.TotalCredits)
	assertBalanced(t, l, u.ID)
}

func TestGrantExpiryFollowsPlan(t *testing.T) {
	l, db, c := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)

	res, err := l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 100, Type: models.TransactionTypePurchase, Source: models.SourceOneTimePurchase})
	require.NoError(t, err)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, c.Now().Add(entitlements.DefaultGrantLifetime), *res.ExpiresAt)
	assert.Equal(t, int64(120), res.Balance)
}

func TestGrantValidation(t *testing.T) {
	l, db, _ := newLedger(t)
	u := createUser(t, db, 0)

	tests := []GrantRequest{
		{UserID: u.ID, Amount: 0, Type: models.TransactionTypeBonus, Source: "X"},
		{UserID: u.ID, Amount: -5, Type: models.TransactionTypeBonus, Source: "X"},
		{UserID: u.ID, Amount: 5, Type: models.TransactionTypeConsumption, Source: "X"},
		{UserID: u.ID, Amount: 5, Type: models.TransactionTypeBonus, Source: " "},
		{Amount: 5, Type: models.TransactionTypeBonus, Source: "X"},
	}
	for _, req := range tests {
		_, err := l.Grant(context.Background(), req)
		assert.ErrorIs(t, err, apperr.ErrValidation, "request %+v", req)
	}
}

func TestExpiryRemovesUnspentRemainder(t *testing.T) {
	l, db, c := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)

	_, err := l.Consume(ctx, u.ID, 5, "background_removal", "")
	require.NoError(t, err)

	c.Advance(entitlements.DefaultGrantLifetime + time.Minute)
	n, err := l.ExpireDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(15), n)

	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, bal.TotalCredits)

	var bonus models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND source = ?", u.ID, models.SourceSignupBonus).First(&bonus).Error)
	assert.Equal(t, models.TransactionStatusExpired, bonus.Status)
	assert.Equal(t, int64(15), bonus.ExpiredAmount)
	assert.Equal(t, models.SignupBonusCredits, bonus.Amount)
	assertBalanced(t, l, u.ID)
}

func TestExpiredCreditsCannotBeSpent(t *testing.T) {
	l, db, c := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	c.Advance(entitlements.DefaultGrantLifetime + time.Second)
	_, err = l.Consume(ctx, u.ID, 1, "background_removal", "")
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)
}

func TestConsumeDrawsEarliestExpiringLotFirst(t *testing.T) {
	l, db, c := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)

	// signup bonus expires first, the later purchase a day after it
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	c.Advance(24 * time.Hour)
	_, err = l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 30, Type: models.TransactionTypePurchase, Source: models.SourceOneTimePurchase})
	require.NoError(t, err)

	_, err = l.Consume(ctx, u.ID, 25, "face_swap", "")
	require.NoError(t, err)

	var lots []models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND amount > 0", u.ID).Order("id").Find(&lots).Error)
	require.Len(t, lots, 2)
	assert.Equal(t, models.TransactionStatusUsed, lots[0].Status)
	assert.Zero(t, lots[0].Remaining)
	assert.Equal(t, models.TransactionStatusActive, lots[1].Status)
	assert.Equal(t, int64(25), lots[1].Remaining)

	// only the bonus lot's expiry passes; nothing is left in it to expire
	c.Advance(entitlements.DefaultGrantLifetime - 12*time.Hour)
	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal.TotalCredits)
	assertBalanced(t, l, u.ID)
}

func TestNeverExpiringLotsAreSpentLast(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	perm := &models.CreditTransaction{
		UserID: u.ID, Type: models.TransactionTypeBonus, Amount: 10, Remaining: 10,
		Source: "GIFT", Status: models.TransactionStatusActive,
	}
	require.NoError(t, db.Create(perm).Error)
	require.NoError(t, db.Model(&models.CreditBalance{}).Where("user_id = ?", u.ID).
		Update("total_credits", gorm.Expr("total_credits + ?", 10)).Error)

	_, err = l.Consume(ctx, u.ID, 20, "music_generation", "")
	require.NoError(t, err)

	require.NoError(t, db.First(perm, perm.ID).Error)
	assert.Equal(t, int64(10), perm.Remaining)
	assertBalanced(t, l, u.ID)
}

func TestRefundSkipsCap(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	subscribe(t, db, u.ID, entitlements.PlanMaster)

	_, err := l.Grant(ctx, GrantRequest{UserID: u.ID, Amount: 2980, Type: models.TransactionTypePurchase, Source: models.SourceOneTimePurchase})
	require.NoError(t, err)

	res, err := l.Refund(ctx, u.ID, 40, "text_to_video", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Granted)
	assert.Equal(t, int64(3040), res.Balance)
	require.NotNil(t, res.Transaction.FeatureUsed)
	assert.Equal(t, "text_to_video", *res.Transaction.FeatureUsed)
	assertBalanced(t, l, u.ID)
}

func TestMigrateLegacyBalanceIsIdempotent(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 75)

	res, err := l.MigrateLegacyBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), res.Migrated)
	assert.False(t, res.AlreadyDone)
	assert.Equal(t, models.SignupBonusCredits+75, res.Balance)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, u.ID).Error)
	assert.Zero(t, reloaded.LegacyCredits)

	again, err := l.MigrateLegacyBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, again.Migrated)
	assert.True(t, again.AlreadyDone)
	assert.Equal(t, models.SignupBonusCredits+75, again.Balance)

	var migrations int64
	db.Model(&models.CreditTransaction{}).Where("user_id = ? AND source = ?", u.ID, models.SourceMigrationV1).Count(&migrations)
	assert.Equal(t, int64(1), migrations)
	assertBalanced(t, l, u.ID)
}

func TestMigrateLegacyBalanceWithExistingBalance(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 30)

	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	res, err := l.MigrateLegacyBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Migrated)
	assert.Equal(t, int64(50), res.Balance)
}

func TestMigrateLegacyBalanceIndependentOfCallOrder(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()

	readFirst := createUser(t, db, 30)
	_, err := l.GetBalance(ctx, readFirst.ID)
	require.NoError(t, err)
	_, err = l.MigrateLegacyBalance(ctx, readFirst.ID)
	require.NoError(t, err)

	migrateFirst := createUser(t, db, 30)
	res, err := l.MigrateLegacyBalance(ctx, migrateFirst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Migrated)

	a, err := l.GetBalance(ctx, readFirst.ID)
	require.NoError(t, err)
	b, err := l.GetBalance(ctx, migrateFirst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignupBonusCredits+30, a.TotalCredits)
	assert.Equal(t, a.TotalCredits, b.TotalCredits)
	assertBalanced(t, l, readFirst.ID)
	assertBalanced(t, l, migrateFirst.ID)
}

func TestMigrateLegacyBalanceWithoutLegacyCredits(t *testing.T) {
	l, db, _ := newLedger(t)
	u := createUser(t, db, 0)

	res, err := l.MigrateLegacyBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Migrated)
	assert.Equal(t, models.SignupBonusCredits, res.Balance)

	_, err = l.MigrateLegacyBalance(context.Background(), 9999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWithTxRollsBackDebit(t *testing.T) {
	l, db, _ := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		if _, err := l.WithTx(tx).Consume(ctx, u.ID, 5, "text_to_image", ""); err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})
	require.ErrorIs(t, err, gorm.ErrInvalidTransaction)

	bal, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignupBonusCredits, bal.TotalCredits)
	assertBalanced(t, l, u.ID)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	l, db, c := newLedger(t)
	ctx := context.Background()
	u := createUser(t, db, 0)
	_, err := l.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	c.Advance(time.Minute)
	_, err = l.Consume(ctx, u.ID, 2, "text_to_image", "")
	require.NoError(t, err)

	txs, err := l.ListTransactions(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionTypeConsumption, txs[0].Type)
	assert.Equal(t, int64(-2), txs[0].Amount)
	assert.Equal(t, models.TransactionTypeBonus, txs[1].Type)
}
