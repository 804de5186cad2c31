package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	createdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymentapi",
		Subsystem: "payments",
		Name:      "created_total",
		Help:      "Total payment sessions created at the gateway.",
	})

	reconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymentapi",
		Subsystem: "payments",
		Name:      "reconciled_total",
		Help:      "Total reconciliations applied, by resulting status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(createdTotal, reconciledTotal)
}
