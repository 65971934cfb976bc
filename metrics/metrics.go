// Package metrics exposes the endpoint's Prometheus instrumentation
// (spec.md §4.2/§4.4 ambient concern), grounded on the custom-collector
// idiom used across the retrieval pack's exporters: a struct of
// pre-registered gauges/counters, registered once against its own
// registry and served over promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the endpoint's full metric set. It satisfies
// transaction.MetricsSink without importing the transaction package, so
// the dependency points the conventional way: metrics is generic,
// transaction and dispatcher depend on it.
type Collector struct {
	registry *prometheus.Registry

	retransmits       prometheus.Counter
	overallFailed     prometheus.Counter
	overallCompleted  prometheus.Counter
	liveTransactions  prometheus.Gauge
	liveWorkers       prometheus.Gauge
	duplicatesDropped prometheus.Counter
	packetsDecoded    prometheus.Counter
	packetsMalformed  prometheus.Counter
}

// New builds and registers the collector's metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "retransmits_total",
			Help:      "Total CON retransmissions sent by the transaction pool.",
		}),
		overallFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "overall_transactions_failed_total",
			Help:      "Total overall (multi-block) transactions that failed.",
		}),
		overallCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "overall_transactions_completed_total",
			Help:      "Total overall (multi-block) transactions that completed.",
		}),
		liveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coapd",
			Name:      "live_transactions",
			Help:      "Transactions currently awaiting ACK or RST.",
		}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coapd",
			Name:      "live_workers",
			Help:      "Worker goroutines currently alive.",
		}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "duplicates_dropped_total",
			Help:      "Ingress packets dropped by the deduplication filter.",
		}),
		packetsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "packets_decoded_total",
			Help:      "Ingress datagrams successfully decoded into well-formed packets.",
		}),
		packetsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coapd",
			Name:      "packets_malformed_total",
			Help:      "Ingress datagrams rejected as malformed CoAP.",
		}),
	}

	c.registry.MustRegister(
		c.retransmits,
		c.overallFailed,
		c.overallCompleted,
		c.liveTransactions,
		c.liveWorkers,
		c.duplicatesDropped,
		c.packetsDecoded,
		c.packetsMalformed,
	)

	return c
}

func (c *Collector) IncRetransmit()          { c.retransmits.Inc() }
func (c *Collector) IncOverallFailed()       { c.overallFailed.Inc() }
func (c *Collector) IncOverallCompleted()    { c.overallCompleted.Inc() }
func (c *Collector) SetLiveTransactions(n int) { c.liveTransactions.Set(float64(n)) }
func (c *Collector) SetLiveWorkers(n int)      { c.liveWorkers.Set(float64(n)) }
func (c *Collector) IncDuplicateDropped()      { c.duplicatesDropped.Inc() }
func (c *Collector) IncPacketDecoded()         { c.packetsDecoded.Inc() }
func (c *Collector) IncPacketMalformed()       { c.packetsMalformed.Inc() }

// Handler returns the HTTP handler serving this collector's registry in
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
