package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindActivePlanMapping(provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	UpsertPlanMapping(m *models.BillingPlanMapping) error
	GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	UpsertSubscription(sub *models.BillingSubscription) error
	UpdateSubscription(id uint, updates map[string]interface{}) error
	ListSubscriptionsByUser(userID uint) ([]models.BillingSubscription, error)
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, error)
	MarkWebhookProcessed(id uint, outcome string) error
	HasGrantForPaymentRef(userID uint, paymentRef string) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertPlanMapping(m *models.BillingPlanMapping) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_plan_ref"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"internal_plan",
			"monthly_credits",
			"is_active",
			"updated_at",
		}),
	}).Create(m).Error
}

func (r *gormRepository) GetSubscription(provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.BillingSubscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"provider_customer_id",
			"plan_type",
			"status",
			"is_active",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"canceled_at",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) UpdateSubscription(id uint, updates map[string]interface{}) error {
	return r.db.Model(&models.BillingSubscription{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, outcome string) error {
	updates := map[string]interface{}{
		"processed_at": time.Now().UTC(),
		"outcome":      outcome,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) HasGrantForPaymentRef(userID uint, paymentRef string) (bool, error) {
	if paymentRef == "" {
		return false, nil
	}
	var count int64
	err := r.db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND payment_ref = ? AND type = ?", userID, paymentRef, models.TransactionTypePurchase).
		Count(&count).Error
	return count > 0, err
}
