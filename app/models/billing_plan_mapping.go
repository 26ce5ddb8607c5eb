package models

import "time"

// BillingPlanMapping maps provider price/product references to internal plans.
// MonthlyCredits overrides the plan's default allotment when non-zero.
type BillingPlanMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_ref,unique,priority:1" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_billing_plan_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	InternalPlan    string    `gorm:"type:varchar(50);not null;default:'free'" json:"internal_plan"`
	MonthlyCredits  int64     `gorm:"not null;default:0" json:"monthly_credits"`
	IsActive        bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
