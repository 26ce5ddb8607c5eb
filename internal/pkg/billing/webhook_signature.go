package billing

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
)

// DefaultSignatureTolerance bounds the age of a signed webhook timestamp.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifyWebhook checks the Stripe-Signature header over payload and decodes
// the event. Nothing about an event that fails verification is trusted.
func VerifyWebhook(payload []byte, signatureHeader, webhookSecret string, tolerance time.Duration) (*stripe.Event, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return nil, apperr.Configuration("PAYMENT_WEBHOOK_SECRET is not configured")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, apperr.Auth("missing webhook signature")
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindAuth, Message: "invalid webhook signature", Err: err}
	}
	if strings.TrimSpace(evt.ID) == "" {
		return nil, apperr.Validation("webhook event has no id")
	}
	return &evt, nil
}
