package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	slotQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "slot_queries_total",
			Help:      "Count of slot generation requests by result.",
		},
		[]string{"result"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "order_transitions_total",
			Help:      "Count of order state transitions by target status.",
		},
		[]string{"status"},
	)

	paymentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "payment_outcomes_total",
			Help:      "Count of payment status observations by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	slotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "slot_conflicts_total",
			Help:      "Count of checkouts rejected because the slot was taken.",
		},
	)

	reconciliation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "reconciliation_items_total",
			Help:      "Count of reconciliation events by kind and result.",
		},
		[]string{"kind", "result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "notifications_total",
			Help:      "Count of notifications by channel and status.",
		},
		[]string{"channel", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptp",
			Name:      "http_requests_total",
			Help:      "Count of API requests by route and status code.",
		},
		[]string{"route", "code"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(slotQueries, orderTransitions, paymentOutcomes, slotConflicts,
			reconciliation, notifications, httpRequests)
	})
}

func IncSlotQuery(result string) {
	slotQueries.WithLabelValues(result).Inc()
}

func IncOrderTransition(status string) {
	orderTransitions.WithLabelValues(status).Inc()
}

func IncPayment(provider, outcome string) {
	paymentOutcomes.WithLabelValues(provider, outcome).Inc()
}

func IncSlotConflict() {
	slotConflicts.Inc()
}

func IncReconciliation(kind, result string) {
	reconciliation.WithLabelValues(kind, result).Inc()
}

func IncNotification(channel, status string) {
	notifications.WithLabelValues(channel, status).Inc()
}

func IncHTTP(route string, code int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
