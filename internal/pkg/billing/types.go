package billing

import "time"

// Webhook event types the reconciler acts on.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Outcome is what processing an event did. It is stored on the event row.
type Outcome string

const (
	OutcomeGranted             Outcome = "granted"
	OutcomeSubscriptionUpdated Outcome = "subscription_updated"
	OutcomeIgnored             Outcome = "ignored"
	OutcomeRejected            Outcome = "rejected"
	OutcomeDuplicate           Outcome = "duplicate"
)

// Metadata keys the checkout flow attaches to sessions and subscriptions.
const (
	MetaUserID  = "user_id"
	MetaPlan    = "plan"
	MetaCredits = "credits"
	MetaPriceID = "price_id"
)

// NormalizedSubscription is the provider-agnostic shape used when syncing
// external subscription state into local tables.
type NormalizedSubscription struct {
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPlanRef        string
	Plan                   string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	RawPayloadJSON         string
}

// Result reports how one webhook event was handled.
type Result struct {
	EventID string
	Type    string
	Outcome Outcome
	Granted int64
	Dropped int64
}
