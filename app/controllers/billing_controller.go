package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/usercontext"
)

// BillingController receives payment processor webhooks and reports plans.
type BillingController struct {
	service   *billing.Service
	secret    string
	tolerance time.Duration
}

func NewBillingController(s *billing.Service, webhookSecret string, tolerance time.Duration) *BillingController {
	return &BillingController{service: s, secret: webhookSecret, tolerance: tolerance}
}

// HandlePaymentWebhook verifies the signature before anything is stored,
// then applies the event. Redeliveries are acknowledged with 200 so the
// processor stops retrying; processing errors answer 5xx so it retries.
func (bc *BillingController) HandlePaymentWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.BodyRaw()...)
	evt, err := billing.VerifyWebhook(payload, c.Get("Stripe-Signature"), bc.secret, bc.tolerance)
	if err != nil {
		return respondError(c, err)
	}

	res, err := bc.service.HandleEvent(c.UserContext(), evt)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return c.JSON(fiber.Map{"ok": true, "event_id": evt.ID, "outcome": billing.OutcomeDuplicate})
		}
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"ok":       true,
		"event_id": res.EventID,
		"outcome":  res.Outcome,
		"granted":  res.Granted,
		"dropped":  res.Dropped,
	})
}

// HandleGetPlan returns the caller's effective plan and its credit policy.
func (bc *BillingController) HandleGetPlan(c *fiber.Ctx) error {
	plan, err := bc.service.ActivePlan(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	policy := entitlements.PolicyFor(plan)
	return c.JSON(fiber.Map{
		"plan":            plan,
		"monthly_credits": policy.MonthlyCredits,
		"credit_cap":      policy.CreditCap,
		"non_expiring":    policy.NonExpiring,
	})
}
