// Package observability holds the Prometheus metrics of the rewards engine.
//
// Metrics are package-level promauto collectors registered with the default
// registry and exposed by the API server on /metrics.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tutu-network/adrewards/internal/domain"
)

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultCaptcha  = "captcha"
	ResultNoToken  = "no_token"
)

// ═══════════════════════════════════════════════════════════════════════════
// Token Pools
// ═══════════════════════════════════════════════════════════════════════════

var UnblindedTokens = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "adrewards",
	Subsystem: "tokens",
	Name:      "unblinded_tokens",
	Help:      "Spendable confirmation tokens in the pool.",
})

var UnblindedPaymentTokens = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "adrewards",
	Subsystem: "tokens",
	Name:      "unblinded_payment_tokens",
	Help:      "Payment tokens awaiting redemption.",
})

var Refills = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "tokens",
	Name:      "refills_total",
	Help:      "Token refill attempts by result.",
}, []string{"result"})

var CaptchaRequired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "tokens",
	Name:      "captcha_required_total",
	Help:      "Refills halted by a captcha challenge.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Confirmations & Redemption
// ═══════════════════════════════════════════════════════════════════════════

var Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "confirmations",
	Name:      "confirmations_total",
	Help:      "Confirmation submissions by result.",
}, []string{"result"})

var RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "adrewards",
	Subsystem: "confirmations",
	Name:      "retry_queue_depth",
	Help:      "Confirmations waiting to be retried.",
})

var Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "redemption",
	Name:      "redemptions_total",
	Help:      "Payment token batch redemptions by result.",
}, []string{"result"})

var Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Transactions appended to the ledger by confirmation type.",
}, []string{"confirmation_type"})

// ═══════════════════════════════════════════════════════════════════════════
// Issuers
// ═══════════════════════════════════════════════════════════════════════════

var IssuerFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adrewards",
	Subsystem: "issuers",
	Name:      "issuer_fetches_total",
	Help:      "Issuer fetches by result.",
}, []string{"result"})

// ResultOf maps an error to a result label.
func ResultOf(err error) string {
	var captcha domain.CaptchaRequiredError
	switch {
	case err == nil:
		return ResultSuccess
	case errors.As(err, &captcha):
		return ResultCaptcha
	case errors.Is(err, domain.ErrNoUnblindedTokens):
		return ResultNoToken
	case domain.IsRejected(err):
		return ResultRejected
	}
	return ResultFailure
}
