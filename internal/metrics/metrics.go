package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskrelay"

// Result label values
const (
	ResultOK         = "ok"
	ResultDuplicate  = "duplicate"
	ResultRejected   = "rejected"
	ResultRequeued   = "requeued"
	ResultUnconfirm  = "unconfirmed"
	ResultStaging    = "staging_failed"
	ResultNotConnect = "not_connected"
	ResultError      = "error"
)

type collectors struct {
	published        *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	staging          *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

var collectorsSingleton = sync.OnceValue(func() *collectors {
	return &collectors{
		published: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Publish attempts by outcome.",
		}, []string{"result"}),
		dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Deliveries handled by the dispatcher, by task type and final state.",
		}, []string{"task_type", "result"}),
		staging: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_operations_total",
			Help:      "Staging store operations by kind and outcome.",
		}, []string{"op", "result"}),
		dispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from delivery to ack/nack.",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30, 60,
			},
		}, []string{"task_type"}),
	}
})

// ObservePublish counts one publish attempt.
func ObservePublish(result string) {
	collectorsSingleton().published.WithLabelValues(result).Inc()
}

// ObserveDispatch counts one delivery outcome and its duration.
func ObserveDispatch(taskType, result string, d time.Duration) {
	c := collectorsSingleton()
	c.dispatched.WithLabelValues(taskType, result).Inc()
	c.dispatchDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// ObserveStaging counts one staging operation; classify maps err to a label.
func ObserveStaging(op string, err error, classify func(error) string) {
	result := ResultOK
	if err != nil {
		result = ResultError
		if classify != nil {
			result = classify(err)
		}
	}
	collectorsSingleton().staging.WithLabelValues(op, result).Inc()
}

// RegisterBrokerGauge exposes the broker connection state. Registering twice is a no-op.
func RegisterBrokerGauge(connected func() bool) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 while the broker connection is up.",
	}, func() float64 {
		if connected() {
			return 1
		}
		return 0
	})

	err := prometheus.Register(gauge)
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
