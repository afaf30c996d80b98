package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_rpc_requests_total",
			Help: "Ethereum JSON-RPC calls by method and outcome",
		},
		[]string{"method", "status"},
	)

	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_rpc_retries_total",
			Help: "Retried Ethereum JSON-RPC calls by method",
		},
		[]string{"method"},
	)

	ReconciledTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_reconciled_transactions_total",
			Help: "On-chain transactions inserted into the ledger by reconciliation",
		},
		[]string{"type"},
	)

	DuplicateHashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_duplicate_tx_hashes_total",
			Help: "Reconciliation inserts skipped because the hash was already recorded",
		},
	)

	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_transfers_total",
			Help: "Transfers by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	FundingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_funding_decisions_total",
			Help: "Funding request decisions by outcome",
		},
		[]string{"decision"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter by client kind",
		},
		[]string{"client"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
