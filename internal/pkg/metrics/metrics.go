// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_credits_granted_total",
		Help: "Credits added to balances, by transaction type.",
	}, []string{"type"})

	CreditsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditfox_credits_dropped_total",
		Help: "Credits discarded because a grant hit the plan cap.",
	})

	CreditsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_credits_consumed_total",
		Help: "Credits debited, by feature.",
	}, []string{"feature"})

	CreditsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditfox_credits_expired_total",
		Help: "Unspent credits removed by expiry.",
	})

	InsufficientCredits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditfox_insufficient_credits_total",
		Help: "Balance checks or debits rejected for lack of credits.",
	})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_job_transitions_total",
		Help: "Generation job state transitions, by feature and target status.",
	}, []string{"feature", "status"})

	JobPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_job_polls_total",
		Help: "Job polls by outcome (queued, running, succeeded, failed, terminal_cached, lost_race, error, permanent_error).",
	}, []string{"outcome"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_gateway_requests_total",
		Help: "Calls to the inference provider, by operation and outcome.",
	}, []string{"op", "outcome"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_webhook_events_total",
		Help: "Payment webhook events, by event type and outcome.",
	}, []string{"type", "outcome"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditfox_sweep_runs_total",
		Help: "Background sweep runs, by sweep and outcome.",
	}, []string{"sweep", "outcome"})
)
