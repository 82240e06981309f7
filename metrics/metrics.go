// (c) 2019-2026, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics registers the counters and gauges spec.md section 6
// names, under a namespace fixed at construction time
// ("PerpsV2Keeper/<Network>", per spec.md section 9's resolution of the
// metricDimensions open question: dimensions live on the namespace, not on
// individual calls). The HTTP exposition endpoint is an external
// collaborator (spec.md section 1); this package only owns instrument
// registration and increment/set call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the keeper engine emits.
type Metrics struct {
	enabled bool

	KeeperUpTime             *prometheus.GaugeVec
	KeeperSignerEthBalance   *prometheus.GaugeVec
	KeeperStartUp            *prometheus.CounterVec
	KeeperError              *prometheus.CounterVec
	DistributorBlockDelta    prometheus.Gauge
	DistributorBlockProcessTime prometheus.Gauge
	DelayedOrderExecuted     *prometheus.CounterVec
	DelayedOrderAlreadyExecuted *prometheus.CounterVec
	OffchainOrderExecuted    *prometheus.CounterVec
	PositionLiquidated       *prometheus.CounterVec
	SignerPoolSize           prometheus.Gauge
}

// New constructs every instrument and registers them against reg under
// namespace "perpsv2keeper_<network>" (Prometheus names disallow '/').
// enabled gates whether increments/sets are actually recorded, mirroring
// the METRICS_ENABLED configuration switch.
func New(reg prometheus.Registerer, network string, enabled bool) *Metrics {
	ns := "perpsv2keeper_" + network

	factory := func(name, help string, labels []string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	gaugeVec := func(name, help string, labels []string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
		reg.MustRegister(g)
		return g
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Metrics{
		enabled: enabled,

		KeeperUpTime:           gaugeVec("keeper_up_time_seconds", "seconds since this keeper hydrated", []string{"market"}),
		KeeperSignerEthBalance: gaugeVec("keeper_signer_eth_balance", "signer ETH balance in wei", []string{"signer"}),
		KeeperStartUp:          factory("keeper_start_up_total", "count of keeper startups", []string{"market"}),
		KeeperError:            factory("keeper_error_total", "count of caught per-tick keeper errors", []string{"market", "stage"}),
		DistributorBlockDelta:  gauge("distributor_block_delta", "tipBlock - lastProcessedBlock observed this tick"),
		DistributorBlockProcessTime: gauge("distributor_block_process_time_ms", "wall time of the last tick in milliseconds"),
		DelayedOrderExecuted:        factory("delayed_order_executed_total", "delayed orders executed", []string{"market"}),
		DelayedOrderAlreadyExecuted: factory("delayed_order_already_executed_total", "delayed orders found already executed on-chain", []string{"market"}),
		OffchainOrderExecuted:       factory("offchain_order_executed_total", "offchain delayed orders executed", []string{"market"}),
		PositionLiquidated:          factory("position_liquidated_total", "positions liquidated", []string{"market"}),
		SignerPoolSize:              gauge("signer_pool_size", "configured signer pool size"),
	}
}

// Enabled reports whether instruments should record. Call sites that are
// cheap (a counter Inc) may ignore this and call unconditionally; it exists
// for call sites that would otherwise do non-trivial work to compute a
// value (e.g. a balance RPC call) purely to feed a gauge.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }
