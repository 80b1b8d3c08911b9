package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthDecisionsTotal counts terminal authenticator outcomes. reason is
	// "admit" for admissions and the stable rejection code otherwise.
	AuthDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_auth_decisions_total",
			Help: "API key authentication decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	// QuotaPathTotal counts which quota enforcement tier served a request.
	QuotaPathTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_quota_path_total",
			Help: "Trial quota checks by enforcement path (fast or fallback).",
		},
		[]string{"path"},
	)

	// KeysIssuedTotal counts minted keys by plan.
	KeysIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_keys_issued_total",
			Help: "API keys issued by plan.",
		},
		[]string{"plan"},
	)
)
