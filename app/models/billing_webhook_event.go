package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// BillingWebhookEvent records every payment webhook event that was processed.
// The unique (provider, provider_event_id) index is the redelivery guard: a
// row only exists once its event committed.
type BillingWebhookEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string    `gorm:"type:longtext;not null" json:"-"`
	Outcome         string    `gorm:"type:varchar(32);not null;default:''" json:"outcome"`
	ProcessedAt     time.Time `gorm:"type:timestamp" json:"processed_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
