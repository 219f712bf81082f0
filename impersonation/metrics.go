package impersonation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impersonation_sessions_started_total",
		Help: "Total number of impersonation sessions issued",
	})

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_sessions_ended_total",
			Help: "Total number of impersonation sessions ended, by cause",
		},
		[]string{"cause"},
	)

	startRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_start_rejected_total",
			Help: "Impersonation start requests rejected by policy",
		},
		[]string{"reason"},
	)

	validationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_token_validation_failures_total",
			Help: "Delegation token validation failures, by reason",
		},
		[]string{"reason"},
	)

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impersonation_cache_evictions_total",
		Help: "Sessions evicted from the in-memory store to respect its bound",
	})

	cachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impersonation_cached_sessions",
		Help: "Sessions currently held in the in-memory store",
	})

	actionsLogged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impersonation_actions_logged_total",
		Help: "Actions appended to impersonation audit trails",
	})

	actionLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impersonation_action_log_failures_total",
		Help: "Actions that could not be appended to an audit trail",
	})

	flagsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impersonation_flags_raised_total",
			Help: "Suspicious-pattern flags raised on impersonation sessions",
		},
		[]string{"flag"},
	)

	// RateLimited counts requests rejected by the per-session action ceiling.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "impersonation_rate_limited_total",
		Help: "Requests rejected by the per-session action rate limit",
	})
)

// StartThrottled records a start attempt rejected before it reached the manager.
func StartThrottled() {
	startRejected.WithLabelValues("throttled").Inc()
}

func failureLabel(err error) string {
	for _, k := range []error{
		ErrTokenExpired, ErrInvalidTokenType, ErrTokenInvalid, ErrSessionNotFound,
		ErrSessionInactive, ErrSessionExpired, ErrSessionNotCached,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}
