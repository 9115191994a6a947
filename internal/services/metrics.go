package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clob"

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	fills           *prometheus.CounterVec
	filledVolume    *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec
	laneDepth       *prometheus.GaugeVec
	restingOrders   *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	invariantErrors prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the engine, by final status of the placing unit of work.",
		}, []string{"market", "outcome", "status"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_rejected_total",
			Help:      "Placements rejected before or during matching, by reason.",
		}, []string{"reason"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_cancelled_total",
			Help:      "Resting orders cancelled by their owner.",
		}, []string{"market", "outcome"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fills_total",
			Help:      "Executions produced by the matching engine.",
		}, []string{"market", "outcome"}),
		filledVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filled_volume_total",
			Help:      "Executed size in outcome token base units.",
		}, []string{"market", "outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "unit_of_work_seconds",
			Help:      "Time spent inside a lane per unit of work.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"op"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "lane_queue_depth",
			Help:      "Jobs waiting in a book lane.",
		}, []string{"market", "outcome"}),
		restingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "resting_orders",
			Help:      "Orders resting in the book.",
		}, []string{"market", "outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_batches_published_total",
			Help:      "Event batches delivered to a publisher.",
		}, []string{"publisher"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_batches_failed_total",
			Help:      "Event batches a publisher failed to deliver.",
		}, []string{"publisher"}),
		invariantErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invariant_violations_total",
			Help:      "Units of work aborted by an internal consistency check.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ordersPlaced, m.ordersRejected, m.ordersCancelled, m.fills, m.filledVolume,
			m.unitDuration, m.laneDepth, m.restingOrders, m.eventsPublished, m.eventsFailed,
			m.invariantErrors,
		)
	}
	return m
}

func (m *Metrics) orderPlaced(key laneKey, status string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(key.MarketID, string(key.Outcome), status).Inc()
}

func (m *Metrics) orderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) orderCancelled(key laneKey) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(key.MarketID, string(key.Outcome)).Inc()
}

func (m *Metrics) filled(key laneKey, size uint64) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(key.MarketID, string(key.Outcome)).Inc()
	m.filledVolume.WithLabelValues(key.MarketID, string(key.Outcome)).Add(float64(size))
}

func (m *Metrics) observeUnit(op string, started time.Time) {
	if m == nil {
		return
	}
	m.unitDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) laneQueued(key laneKey, depth int) {
	if m == nil {
		return
	}
	m.laneDepth.WithLabelValues(key.MarketID, string(key.Outcome)).Set(float64(depth))
}

func (m *Metrics) bookSize(key laneKey, n int) {
	if m == nil {
		return
	}
	m.restingOrders.WithLabelValues(key.MarketID, string(key.Outcome)).Set(float64(n))
}

func (m *Metrics) eventPublished(publisher string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(publisher).Inc()
}

func (m *Metrics) eventPublishFailed(publisher string) {
	if m == nil {
		return
	}
	m.eventsFailed.WithLabelValues(publisher).Inc()
}

func (m *Metrics) invariantViolated() {
	if m == nil {
		return
	}
	m.invariantErrors.Inc()
}
