package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
)

type planMappingRequest struct {
	ProviderPlanRef string `json:"provider_plan_ref" validate:"required,max=191"`
	Plan            string `json:"plan" validate:"required,oneof=free basic pro master"`
	MonthlyCredits  int64  `json:"monthly_credits" validate:"gte=0"`
}

// AdminController serves operator endpoints behind the admin token.
type AdminController struct {
	billing *billing.Service
	ledger  *ledger.Service
	manager *jobqueue.Manager
}

func NewAdminController(b *billing.Service, l *ledger.Service, m *jobqueue.Manager) *AdminController {
	return &AdminController{billing: b, ledger: l, manager: m}
}

// HandleUpsertPlanMapping maps a payment processor price to a plan.
func (ac *AdminController) HandleUpsertPlanMapping(c *fiber.Ctx) error {
	var req planMappingRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Validation("request body must be a JSON object"))
	}
	if err := validate.Struct(req); err != nil {
		return respondError(c, validationError(err))
	}
	plan := entitlements.NormalizePlan(req.Plan)
	if err := ac.billing.UpsertPlanMapping(c.UserContext(), req.ProviderPlanRef, plan, req.MonthlyCredits); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "provider_plan_ref": req.ProviderPlanRef, "plan": plan})
}

// HandleReconcileUser compares a user's balance with the transaction log.
func (ac *AdminController) HandleReconcileUser(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return respondError(c, apperr.Validation("user id must be a positive integer"))
	}
	rec, err := ac.ledger.Reconcile(c.UserContext(), uint(userID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id":  userID,
		"balance":  rec.Balance,
		"lot_sum":  rec.LotSum,
		"granted":  rec.Granted,
		"consumed": rec.Consumed,
		"expired":  rec.Expired,
		"balanced": rec.Balanced,
	})
}

// HandleQueueStats reports the background queue depth and outcome counters.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	if ac.manager == nil {
		return respondError(c, apperr.Configuration("background manager is not running"))
	}
	q := ac.manager.GetQueue()
	ctx := c.UserContext()
	stats, err := q.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	pending, err := q.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := q.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"running":    ac.manager.IsRunning(),
		"pending":    pending,
		"processing": processing,
		"stats":      stats,
	})
}

// HandleRunSweeps runs the stale-job and expiry sweeps once, outside their schedule.
func (ac *AdminController) HandleRunSweeps(c *fiber.Ctx) error {
	if ac.manager == nil {
		return respondError(c, apperr.Configuration("background manager is not running"))
	}
	enqueued, err := ac.manager.RunStaleSweepOnce(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	expired, err := ac.manager.RunExpirySweepOnce(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"repolls_enqueued": enqueued, "credits_expired": expired})
}
