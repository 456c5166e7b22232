package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payledger_intents_created_total",
		Help: "Number of payment intents created.",
	})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payledger_payment_checks_total",
		Help: "Payment checks by outcome.",
	}, []string{"outcome"})

	creditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payledger_credits_total",
		Help: "Number of payments credited to balances.",
	})

	creditedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payledger_credited_amount_total",
		Help: "Sum of credited payment amounts in display units.",
	})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payledger_payment_check_duration_seconds",
		Help:    "Duration of payment checks including the chain query.",
		Buckets: prometheus.DefBuckets,
	})
)

// check outcomes
const (
	outcomeAlreadyPaid     = "already_paid"
	outcomeExpired         = "expired"
	outcomeUpstreamError   = "upstream_error"
	outcomeNoMatch         = "no_match"
	outcomeAlreadyCredited = "already_credited"
	outcomeCredited        = "credited"
	outcomeResumed         = "resumed"
	outcomeError           = "error"
)
