// Package billing reconciles payment-processor webhooks into subscriptions
// and ledger grants. Every event is processed at most once.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

// Service is the subscription reconciler.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	provider string
}

// NewService creates a reconciler for Stripe events.
func NewService(db *gorm.DB, l *ledger.Service) *Service {
	return &Service{db: db, ledger: l, provider: models.BillingProviderStripe}
}

// txScope bundles the repository and ledger bound to one event transaction.
type txScope struct {
	repo   Repository
	ledger *ledger.Service
}

// HandleEvent applies a verified event. The event row, the subscription
// changes and the grants commit together; on error nothing is kept so the
// processor redelivers. A redelivered event returns a conflict error with
// OutcomeDuplicate.
func (s *Service) HandleEvent(ctx context.Context, evt *stripe.Event) (*Result, error) {
	if evt == nil || strings.TrimSpace(evt.ID) == "" {
		return nil, apperr.Validation("webhook event has no id")
	}
	res := &Result{EventID: evt.ID, Type: string(evt.Type)}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, apperr.Validation("webhook event is not serializable: %v", err)
	}

	duplicate := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := txScope{repo: NewRepository(tx), ledger: s.ledger.WithTx(tx)}
		row := &models.BillingWebhookEvent{
			Provider:        s.provider,
			ProviderEventID: evt.ID,
			EventType:       string(evt.Type),
			PayloadJSON:     string(payload),
			ProcessedAt:     time.Now().UTC(),
		}
		created, err := scope.repo.CreateWebhookEventIfNotExists(row)
		if err != nil {
			return err
		}
		if !created {
			duplicate = true
			return nil
		}

		if err := s.dispatch(ctx, scope, evt, res); err != nil {
			return err
		}
		return scope.repo.MarkWebhookProcessed(row.ID, string(res.Outcome))
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(evt.Type), "error").Inc()
		log.Errorf("[Billing] Event %s (%s) failed: %v", evt.ID, evt.Type, err)
		return nil, err
	}
	if duplicate {
		res.Outcome = OutcomeDuplicate
		metrics.WebhookEvents.WithLabelValues(string(evt.Type), string(OutcomeDuplicate)).Inc()
		log.Infof("[Billing] Event %s already processed", evt.ID)
		return res, apperr.Conflict("webhook event already processed")
	}

	metrics.WebhookEvents.WithLabelValues(string(evt.Type), string(res.Outcome)).Inc()
	if res.Granted > 0 {
		metrics.CreditsGranted.WithLabelValues(string(models.TransactionTypePurchase)).Add(float64(res.Granted))
	}
	if res.Dropped > 0 {
		metrics.CreditsDropped.Add(float64(res.Dropped))
	}
	log.Infof("[Billing] Event %s (%s): %s granted=%d dropped=%d", evt.ID, evt.Type, res.Outcome, res.Granted, res.Dropped)
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, scope txScope, evt *stripe.Event, res *Result) error {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		res.Outcome = OutcomeRejected
		return nil
	}
	switch string(evt.Type) {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			res.Outcome = OutcomeRejected
			return nil
		}
		return s.onCheckoutCompleted(ctx, scope, &session, evt.Data.Raw, res)
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			res.Outcome = OutcomeRejected
			return nil
		}
		return s.onInvoicePaid(ctx, scope, &inv, evt.Data.Raw, res)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			res.Outcome = OutcomeRejected
			return nil
		}
		return s.onSubscriptionChanged(scope, &sub, string(evt.Type) == EventSubscriptionDeleted, evt.Data.Raw, res)
	default:
		res.Outcome = OutcomeIgnored
		return nil
	}
}

func (s *Service) onCheckoutCompleted(ctx context.Context, scope txScope, session *stripe.CheckoutSession, raw []byte, res *Result) error {
	userID := parseUserID(session.Metadata)
	if userID == 0 {
		log.Warnf("[Billing] Checkout session %s has no user_id metadata", session.ID)
		res.Outcome = OutcomeRejected
		return nil
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		if session.PaymentStatus != "" && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			res.Outcome = OutcomeIgnored
			return nil
		}
		credits := parseCredits(session.Metadata)
		if credits <= 0 {
			log.Warnf("[Billing] Checkout session %s has no credits metadata", session.ID)
			res.Outcome = OutcomeRejected
			return nil
		}
		return s.grantOnce(ctx, scope, userID, credits, models.SourceOneTimePurchase, session.ID, res)

	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			res.Outcome = OutcomeRejected
			return nil
		}
		customerID := ""
		if session.Customer != nil {
			customerID = session.Customer.ID
		}
		sub, mapping, err := s.syncSubscription(scope, NormalizedSubscription{
			UserID:                 userID,
			Provider:               s.provider,
			ProviderSubscriptionID: session.Subscription.ID,
			ProviderCustomerID:     customerID,
			ProviderPlanRef:        session.Metadata[MetaPriceID],
			Plan:                   session.Metadata[MetaPlan],
			Status:                 models.BillingStatusActive,
			RawPayloadJSON:         string(raw),
		})
		if err != nil {
			return err
		}
		return s.grantAllotment(ctx, scope, sub, mapping, session.ID, res)
	}

	res.Outcome = OutcomeIgnored
	return nil
}

func (s *Service) onInvoicePaid(ctx context.Context, scope txScope, inv *stripe.Invoice, raw []byte, res *Result) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		res.Outcome = OutcomeIgnored
		return nil
	}
	// The first invoice is paid through checkout, which already granted.
	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		res.Outcome = OutcomeIgnored
		return nil
	}

	meta := inv.Metadata
	if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
		meta = inv.SubscriptionDetails.Metadata
	}
	in := NormalizedSubscription{
		Provider:               s.provider,
		ProviderSubscriptionID: inv.Subscription.ID,
		Status:                 models.BillingStatusActive,
		RawPayloadJSON:         string(raw),
		Plan:                   meta[MetaPlan],
		ProviderPlanRef:        meta[MetaPriceID],
		UserID:                 parseUserID(meta),
	}
	if inv.Customer != nil {
		in.ProviderCustomerID = inv.Customer.ID
	}
	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period != nil {
			in.CurrentPeriodStart = unixTime(line.Period.Start)
			in.CurrentPeriodEnd = unixTime(line.Period.End)
		}
		if in.ProviderPlanRef == "" && line.Price != nil {
			in.ProviderPlanRef = line.Price.ID
		}
	}

	existing, err := scope.repo.GetSubscription(s.provider, in.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		if in.UserID == 0 {
			in.UserID = existing.UserID
		}
		if in.Plan == "" && in.ProviderPlanRef == "" {
			in.Plan = existing.PlanType
		}
		if in.ProviderCustomerID == "" {
			in.ProviderCustomerID = existing.ProviderCustomerID
		}
	}
	if in.UserID == 0 {
		log.Warnf("[Billing] Invoice %s references unknown subscription %s", inv.ID, in.ProviderSubscriptionID)
		res.Outcome = OutcomeRejected
		return nil
	}

	sub, mapping, err := s.syncSubscription(scope, in)
	if err != nil {
		return err
	}
	return s.grantAllotment(ctx, scope, sub, mapping, inv.ID, res)
}

func (s *Service) onSubscriptionChanged(scope txScope, in *stripe.Subscription, deleted bool, raw []byte, res *Result) error {
	existing, err := scope.repo.GetSubscription(s.provider, in.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	status := normalizeStatus(string(in.Status))
	if deleted {
		status = models.BillingStatusCanceled
	}
	canceledAt := unixTime(in.CanceledAt)
	if deleted && canceledAt == nil {
		now := time.Now().UTC()
		canceledAt = &now
	}

	if existing == nil {
		userID := parseUserID(in.Metadata)
		if userID == 0 {
			log.Warnf("[Billing] Subscription %s is unknown and carries no user_id", in.ID)
			res.Outcome = OutcomeRejected
			return nil
		}
		norm := NormalizedSubscription{
			UserID:                 userID,
			Provider:               s.provider,
			ProviderSubscriptionID: in.ID,
			Plan:                   in.Metadata[MetaPlan],
			ProviderPlanRef:        in.Metadata[MetaPriceID],
			Status:                 status,
			CurrentPeriodStart:     unixTime(in.CurrentPeriodStart),
			CurrentPeriodEnd:       unixTime(in.CurrentPeriodEnd),
			CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
			CanceledAt:             canceledAt,
			RawPayloadJSON:         string(raw),
		}
		if in.Customer != nil {
			norm.ProviderCustomerID = in.Customer.ID
		}
		if norm.ProviderPlanRef == "" && in.Items != nil && len(in.Items.Data) > 0 && in.Items.Data[0].Price != nil {
			norm.ProviderPlanRef = in.Items.Data[0].Price.ID
		}
		if _, _, err := s.syncSubscription(scope, norm); err != nil {
			return err
		}
		res.Outcome = OutcomeSubscriptionUpdated
		return nil
	}

	updates := map[string]interface{}{
		"status":               status,
		"is_active":            isEntitlingStatus(status),
		"cancel_at_period_end": in.CancelAtPeriodEnd,
		"raw_payload_json":     string(raw),
	}
	if t := unixTime(in.CurrentPeriodStart); t != nil {
		updates["current_period_start"] = t
	}
	if t := unixTime(in.CurrentPeriodEnd); t != nil {
		updates["current_period_end"] = t
	}
	if canceledAt != nil {
		updates["canceled_at"] = canceledAt
	}
	if plan := strings.TrimSpace(in.Metadata[MetaPlan]); plan != "" {
		updates["plan_type"] = string(entitlements.NormalizePlan(plan))
	}
	if err := scope.repo.UpdateSubscription(existing.ID, updates); err != nil {
		return err
	}
	log.Infof("[Billing] Subscription %s for user %d is now %s", in.ID, existing.UserID, status)
	res.Outcome = OutcomeSubscriptionUpdated
	return nil
}

// syncSubscription resolves the plan and upserts the subscription row.
func (s *Service) syncSubscription(scope txScope, in NormalizedSubscription) (*models.BillingSubscription, *models.BillingPlanMapping, error) {
	if in.UserID == 0 || strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return nil, nil, apperr.Validation("user_id and provider_subscription_id are required")
	}

	plan, mapping, err := s.resolvePlan(scope.repo, in.Provider, in.ProviderPlanRef, in.Plan)
	if err != nil {
		return nil, nil, err
	}
	status := normalizeStatus(in.Status)

	sub := &models.BillingSubscription{
		UserID:                 in.UserID,
		Provider:               in.Provider,
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		ProviderCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		PlanType:               string(plan),
		Status:                 status,
		IsActive:               isEntitlingStatus(status),
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		CanceledAt:             in.CanceledAt,
		RawPayloadJSON:         in.RawPayloadJSON,
	}
	if err := scope.repo.UpsertSubscription(sub); err != nil {
		return nil, nil, err
	}
	return sub, mapping, nil
}

// resolvePlan prefers the provider price mapping and falls back to the plan
// named in metadata.
func (s *Service) resolvePlan(repo Repository, provider, planRef, planName string) (entitlements.Plan, *models.BillingPlanMapping, error) {
	if ref := strings.TrimSpace(planRef); ref != "" {
		m, err := repo.FindActivePlanMapping(provider, ref)
		if err == nil {
			return entitlements.NormalizePlan(m.InternalPlan), m, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.PlanFree, nil, err
		}
	}
	return entitlements.NormalizePlan(planName), nil, nil
}

// grantAllotment grants the monthly credits of the subscription's plan.
func (s *Service) grantAllotment(ctx context.Context, scope txScope, sub *models.BillingSubscription, mapping *models.BillingPlanMapping, paymentRef string, res *Result) error {
	plan := entitlements.NormalizePlan(sub.PlanType)
	credits := entitlements.PolicyFor(plan).MonthlyCredits
	if mapping != nil && mapping.MonthlyCredits > 0 {
		credits = mapping.MonthlyCredits
	}
	if credits <= 0 {
		res.Outcome = OutcomeSubscriptionUpdated
		return nil
	}
	source := fmt.Sprintf(models.SourceSubscriptionFmt, strings.ToUpper(string(plan)))
	return s.grantOnce(ctx, scope, sub.UserID, credits, source, paymentRef, res)
}

// grantOnce grants unless a purchase with the same payment reference exists,
// which happens when a processor sends two event types for one payment.
func (s *Service) grantOnce(ctx context.Context, scope txScope, userID uint, credits int64, source, paymentRef string, res *Result) error {
	done, err := scope.repo.HasGrantForPaymentRef(userID, paymentRef)
	if err != nil {
		return err
	}
	if done {
		res.Outcome = OutcomeIgnored
		return nil
	}
	g, err := scope.ledger.Grant(ctx, ledger.GrantRequest{
		UserID:     userID,
		Amount:     credits,
		Type:       models.TransactionTypePurchase,
		Source:     source,
		PaymentRef: paymentRef,
	})
	if err != nil {
		return err
	}
	res.Outcome = OutcomeGranted
	res.Granted = g.Granted
	res.Dropped = g.Dropped
	return nil
}

// ActivePlan returns the best plan among the user's entitling subscriptions.
func (s *Service) ActivePlan(ctx context.Context, userID uint) (entitlements.Plan, error) {
	subs, err := NewRepository(s.db.WithContext(ctx)).ListSubscriptionsByUser(userID)
	if err != nil {
		return entitlements.PlanFree, err
	}
	best := entitlements.PlanFree
	for _, sub := range subs {
		if !sub.IsActive || !isEntitlingStatus(sub.Status) {
			continue
		}
		candidate := entitlements.NormalizePlan(sub.PlanType)
		if entitlements.Rank(candidate) > entitlements.Rank(best) {
			best = candidate
		}
	}
	return best, nil
}

// UpsertPlanMapping registers a provider price reference for an internal plan.
func (s *Service) UpsertPlanMapping(ctx context.Context, providerPlanRef string, plan entitlements.Plan, monthlyCredits int64) error {
	ref := strings.TrimSpace(providerPlanRef)
	if ref == "" {
		return apperr.Validation("provider plan ref is required")
	}
	return NewRepository(s.db.WithContext(ctx)).UpsertPlanMapping(&models.BillingPlanMapping{
		Provider:        s.provider,
		ProviderPlanRef: ref,
		InternalPlan:    string(entitlements.NormalizePlan(string(plan))),
		MonthlyCredits:  monthlyCredits,
		IsActive:        true,
	})
}
