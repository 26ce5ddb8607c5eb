package models

// All returns every model managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&CreditBalance{},
		&CreditTransaction{},
		&BillingSubscription{},
		&BillingPlanMapping{},
		&BillingWebhookEvent{},
		&GenerationJob{},
	}
}
