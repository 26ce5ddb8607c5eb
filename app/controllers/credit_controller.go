package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CreditFox/internal/pkg/usercontext"
)

// CreditController serves the caller's balance, history and onboarding.
type CreditController struct {
	ledger *ledger.Service
}

func NewCreditController(l *ledger.Service) *CreditController {
	return &CreditController{ledger: l}
}

// HandleGetBalance returns the spendable balance after pending expiry.
func (cc *CreditController) HandleGetBalance(c *fiber.Ctx) error {
	bal, err := cc.ledger.GetBalance(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"total_credits": bal.TotalCredits})
}

// HandleListTransactions returns the caller's ledger, newest first.
func (cc *CreditController) HandleListTransactions(c *fiber.Ctx) error {
	list, err := cc.ledger.ListTransactions(c.UserContext(), usercontext.GetUserID(c), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err)
	}

	out := make([]fiber.Map, 0, len(list))
	for _, tx := range list {
		item := fiber.Map{
			"id":         tx.ID,
			"type":       tx.Type,
			"amount":     tx.Amount,
			"remaining":  tx.Remaining,
			"source":     tx.Source,
			"status":     tx.Status,
			"expires_at": formatTimePtr(tx.ExpiresAt),
			"created_at": formatTimePtr(&tx.CreatedAt),
		}
		if tx.ExpiredAmount > 0 {
			item["expired_amount"] = tx.ExpiredAmount
		}
		if tx.FeatureUsed != nil {
			item["feature_used"] = *tx.FeatureUsed
		}
		out = append(out, item)
	}
	return c.JSON(fiber.Map{"transactions": out})
}

// HandleMigrateCredits moves the caller's pre-ledger balance into the
// ledger. Repeating the call is harmless.
func (cc *CreditController) HandleMigrateCredits(c *fiber.Ctx) error {
	res, err := cc.ledger.MigrateLegacyBalance(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"migrated":      res.Migrated,
		"already_done":  res.AlreadyDone,
		"total_credits": res.Balance,
	})
}
