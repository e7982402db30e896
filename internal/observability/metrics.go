package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	connectionsActive   prometheus.Gauge
	subscriptionsActive *prometheus.GaugeVec
	messagesReceived    *prometheus.CounterVec
	heartbeatTimeouts   prometheus.Counter

	deltasSent       *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	snapshotDuration *prometheus.HistogramVec
	snapshotErrors   *prometheus.CounterVec

	eventsEmitted  *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			connectionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "syncd_connections_active",
					Help: "Current number of open WebSocket connections.",
				},
			),
			subscriptionsActive: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "syncd_subscriptions_active",
					Help: "Current subscriber entries by channel.",
				},
				[]string{"channel"},
			),
			messagesReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_messages_received_total",
					Help: "Inbound client messages by type.",
				},
				[]string{"type"},
			),
			heartbeatTimeouts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "syncd_heartbeat_timeouts_total",
					Help: "Connections closed because they stopped answering pings.",
				},
			),
			deltasSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_deltas_sent_total",
					Help: "Deltas delivered to subscribers by channel and op.",
				},
				[]string{"channel", "op"},
			),
			sendFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_send_failures_total",
					Help: "Failed subscriber sends by channel.",
				},
				[]string{"channel"},
			),
			snapshotDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "syncd_snapshot_duration_seconds",
					Help:    "Snapshot computation duration in seconds by channel.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
			snapshotErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_snapshot_errors_total",
					Help: "Snapshot computation failures by channel.",
				},
				[]string{"channel"},
			),
			eventsEmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_events_emitted_total",
					Help: "Event bus emissions by event name.",
				},
				[]string{"event"},
			),
			listenerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "syncd_listener_errors_total",
					Help: "Event bus listener failures by event name.",
				},
				[]string{"event"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "syncd_queue_size",
					Help: "Pending delta tasks by lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "syncd_task_duration_seconds",
					Help:    "Delta task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
		}

		prometheus.MustRegister(
			m.connectionsActive,
			m.subscriptionsActive,
			m.messagesReceived,
			m.heartbeatTimeouts,
			m.deltasSent,
			m.sendFailures,
			m.snapshotDuration,
			m.snapshotErrors,
			m.eventsEmitted,
			m.listenerErrors,
			m.queueSize,
			m.taskDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetConnectionsActive(count int) {
	getMetrics().connectionsActive.Set(float64(count))
}

func SetSubscriptionsActive(channel string, count int) {
	getMetrics().subscriptionsActive.WithLabelValues(channel).Set(float64(count))
}

func RecordMessageReceived(msgType string) {
	getMetrics().messagesReceived.WithLabelValues(msgType).Inc()
}

func RecordHeartbeatTimeout() {
	getMetrics().heartbeatTimeouts.Inc()
}

func RecordDeltaSent(channel, op string, success bool) {
	m := getMetrics()
	if success {
		m.deltasSent.WithLabelValues(channel, op).Inc()
		return
	}
	m.sendFailures.WithLabelValues(channel).Inc()
}

func RecordSnapshot(channel string, duration time.Duration, success bool) {
	m := getMetrics()
	m.snapshotDuration.WithLabelValues(channel).Observe(duration.Seconds())
	if !success {
		m.snapshotErrors.WithLabelValues(channel).Inc()
	}
}

func RecordEventEmitted(event string) {
	getMetrics().eventsEmitted.WithLabelValues(event).Inc()
}

func RecordListenerError(event string) {
	getMetrics().listenerErrors.WithLabelValues(event).Inc()
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTaskCompletion(lane string, duration time.Duration, queueSize int) {
	m := getMetrics()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}
