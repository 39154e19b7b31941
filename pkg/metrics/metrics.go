// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts committed ledger operations by kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakevault",
		Name:      "ledger_operations_total",
		Help:      "Committed ledger operations by kind.",
	}, []string{"op"})

	// OperationErrorsTotal counts rejected ledger operations by kind.
	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakevault",
		Name:      "ledger_operation_errors_total",
		Help:      "Rejected ledger operations by kind.",
	}, []string{"op"})

	reserveBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stakevault",
		Name:      "reserve_balance",
		Help:      "Current reward reserve balance in base units.",
	})

	// HTTPRequestsTotal counts gateway requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stakevault",
		Name:      "http_requests_total",
		Help:      "Gateway HTTP requests by route and status code.",
	}, []string{"route", "status"})
)

// SetReserveBalance records the reserve level. Balances beyond float64
// precision are reported approximately; the gauge is for dashboards, the
// ledger remains the source of truth.
func SetReserveBalance(balance *uint256.Int) {
	f, _ := new(big.Float).SetInt(balance.ToBig()).Float64()
	reserveBalance.Set(f)
}
