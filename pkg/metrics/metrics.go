// Package metrics exposes prometheus instrumentation for the engine,
// hub and settlement submitter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_orders_admitted_total",
		Help: "Orders accepted by the matching engine.",
	}, []string{"pair"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_orders_rejected_total",
		Help: "Orders rejected at admission, by error code.",
	}, []string{"code"})

	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_fills_total",
		Help: "Fills produced by the matching engine.",
	}, []string{"pair"})

	SettlementBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_settlement_batches_total",
		Help: "Settlement batches flushed, by outcome.",
	}, []string{"result"})

	SettlementPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_settlement_pending_fills",
		Help: "Fills waiting for the next settlement batch.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_ws_subscribers",
		Help: "Connected websocket subscribers.",
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
