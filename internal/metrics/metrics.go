// Package metrics exposes Prometheus collectors for the trading core.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papertrader"

// Collector groups the service's metrics.
type Collector struct {
	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	feedReconnects  prometheus.Counter
	ticksReceived   prometheus.Counter
	sweepDuration   prometheus.Histogram
	mirroredOpen    prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ordersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the execution engine.",
		}, []string{"side", "type", "status"}),
		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders refused by the execution engine.",
		}, []string{"reason"}),
		positionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions closed, by close reason.",
		}, []string{"reason"}),
		feedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Scheduled reconnect attempts of the market feed.",
		}),
		ticksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_ticks_total",
			Help:      "Price ticks received from the market feed.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_sweep_duration_seconds",
			Help:      "Duration of one target/stop-loss sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		mirroredOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_mirrored_positions",
			Help:      "Open positions held in the fast mirror.",
		}),
	}
}

// OrderPlaced counts an accepted order.
func (c *Collector) OrderPlaced(side, orderType, status string) {
	if c == nil {
		return
	}
	c.ordersPlaced.WithLabelValues(side, orderType, status).Inc()
}

// OrderRejected counts a refused order.
func (c *Collector) OrderRejected(reason string) {
	if c == nil {
		return
	}
	c.ordersRejected.WithLabelValues(reason).Inc()
}

// PositionClosed counts a closed position.
func (c *Collector) PositionClosed(reason string) {
	if c == nil {
		return
	}
	c.positionsClosed.WithLabelValues(reason).Inc()
}

// FeedReconnect counts a reconnect attempt.
func (c *Collector) FeedReconnect() {
	if c == nil {
		return
	}
	c.feedReconnects.Inc()
}

// TickReceived counts an inbound tick.
func (c *Collector) TickReceived() {
	if c == nil {
		return
	}
	c.ticksReceived.Inc()
}

// ObserveSweep records how long a sweep took.
func (c *Collector) ObserveSweep(d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
}

// SetMirrored records the size of the position mirror.
func (c *Collector) SetMirrored(n int) {
	if c == nil {
		return
	}
	c.mirroredOpen.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
