package entitlements

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFree   Plan = "free"
	PlanBasic  Plan = "basic"
	PlanPro    Plan = "pro"
	PlanMaster Plan = "master"
)

// DefaultGrantLifetime is how long credits stay spendable on expiring plans.
const DefaultGrantLifetime = 30 * 24 * time.Hour

// Policy describes how grants behave for users on a plan.
type Policy struct {
	Plan           Plan
	MonthlyCredits int64
	// CreditCap bounds the balance a grant may raise to; 0 means uncapped.
	CreditCap   int64
	NonExpiring bool
}

var policies = map[Plan]Policy{
	PlanFree:   {Plan: PlanFree},
	PlanBasic:  {Plan: PlanBasic, MonthlyCredits: 300},
	PlanPro:    {Plan: PlanPro, MonthlyCredits: 800},
	PlanMaster: {Plan: PlanMaster, MonthlyCredits: 1500, CreditCap: 3000, NonExpiring: true},
}

// NormalizePlan maps free-form plan names from payment metadata to a Plan.
func NormalizePlan(plan string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(plan))); p {
	case PlanBasic, PlanPro, PlanMaster:
		return p
	default:
		return PlanFree
	}
}

// PolicyFor returns the credit policy of plan; unknown plans get the free policy.
func PolicyFor(plan Plan) Policy {
	if p, ok := policies[NormalizePlan(string(plan))]; ok {
		return p
	}
	return policies[PlanFree]
}

// ExpiresAt returns the expiry for a grant issued at now, nil for never.
func (p Policy) ExpiresAt(now time.Time) *time.Time {
	if p.NonExpiring {
		return nil
	}
	t := now.Add(DefaultGrantLifetime)
	return &t
}

// Clamp returns how much of amount may be granted on top of balance, and how
// much is dropped by the cap.
func (p Policy) Clamp(balance, amount int64) (granted, dropped int64) {
	if p.CreditCap <= 0 {
		return amount, 0
	}
	room := p.CreditCap - balance
	if room <= 0 {
		return 0, amount
	}
	if amount > room {
		return room, amount - room
	}
	return amount, 0
}

// Rank orders plans for picking the best of several active subscriptions.
func Rank(plan Plan) int {
	switch NormalizePlan(string(plan)) {
	case PlanMaster:
		return 3
	case PlanPro:
		return 2
	case PlanBasic:
		return 1
	default:
		return 0
	}
}
