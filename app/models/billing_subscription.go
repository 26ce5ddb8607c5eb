package models

import "time"

const (
	BillingStatusActive            = "active"
	BillingStatusTrialing          = "trialing"
	BillingStatusPastDue           = "past_due"
	BillingStatusUnpaid            = "unpaid"
	BillingStatusCanceled          = "canceled"
	BillingStatusIncomplete        = "incomplete"
	BillingStatusIncompleteExpired = "incomplete_expired"
	BillingStatusPaused            = "paused"
)

// BillingSubscription mirrors a payment-processor subscription and drives the
// credit policy (expiry, cap, monthly allotment) applied to the user's grants.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;default:''" json:"provider_customer_id"`
	PlanType               string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_type"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	IsActive               bool       `gorm:"not null;index" json:"is_active"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	RawPayloadJSON         string     `gorm:"type:longtext" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
