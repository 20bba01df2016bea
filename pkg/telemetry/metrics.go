package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "api",
		Name:      "tasks_created_total",
		Help:      "Total tasks created through the gateway.",
	})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the rate limiter.",
	})

	// ─── Work claiming ───────────────────────────────────────────────────────────

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "claims",
		Name:      "total",
		Help:      "Claim attempts from pending hints, labelled by outcome.",
	}, []string{"outcome"})

	HintsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "claims",
		Name:      "hints_released_total",
		Help:      "Surplus hints released back to their pending lane.",
	})

	HintPollerClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "claims",
		Name:      "hint_poller_claimed_total",
		Help:      "Hints handed to waiting claim requests.",
	})

	HintPollerSleep = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "claims",
		Name:      "hint_poller_sleep_total",
		Help:      "Times a hint poller slept after an empty sweep.",
	})

	// ─── Resolvers ───────────────────────────────────────────────────────────────

	ResolverMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "resolver",
		Name:      "messages_total",
		Help:      "Advisory messages handled, labelled by resolver and outcome.",
	}, []string{"resolver", "outcome"})

	ResolverFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "resolver",
		Name:      "failures_total",
		Help:      "Whole polling cycles that failed, labelled by resolver.",
	}, []string{"resolver"})

	// ─── Expiry jobs ─────────────────────────────────────────────────────────────

	ExpiredRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasklane",
		Subsystem: "expiry",
		Name:      "rows_total",
		Help:      "Rows removed by expiry jobs, labelled by entity.",
	}, []string{"entity"})
)
