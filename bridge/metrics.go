package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/victorjacobs/go-duco2mqtt/duco"
)

type metrics struct {
	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
	lastPoll     prometheus.Gauge
	publishes    *prometheus.CounterVec
	connected    prometheus.Gauge
	nodes        *prometheus.GaugeVec
	measurements *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duco2mqtt_polls_total",
			Help: "Board polls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "duco2mqtt_poll_duration_seconds",
			Help:    "Duration of successful board polls.",
			Buckets: prometheus.DefBuckets,
		}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duco2mqtt_last_successful_poll_timestamp_seconds",
			Help: "Unix time of the last successful board poll.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duco2mqtt_publishes_total",
			Help: "MQTT publishes by kind and result.",
		}, []string{"kind", "result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duco2mqtt_mqtt_connected",
			Help: "1 while the broker connection is up.",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duco2mqtt_nodes",
			Help: "Nodes in the last snapshot by kind.",
		}, []string{"kind"}),
		measurements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duco2mqtt_measurement",
			Help: "Last numeric measurement value per node.",
		}, []string{"node", "type", "measurement"}),
	}

	for _, c := range []prometheus.Collector{m.polls, m.pollDuration, m.lastPoll, m.publishes, m.connected, m.nodes, m.measurements} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *metrics) pollFailed(reason string) {
	m.polls.WithLabelValues(reason).Inc()
}

func (m *metrics) pollSucceeded(snapshot *duco.Snapshot, duration time.Duration) {
	m.polls.WithLabelValues("success").Inc()
	m.pollDuration.Observe(duration.Seconds())
	m.lastPoll.Set(float64(snapshot.FetchedAt().Unix()))

	counts := make(map[duco.Kind]int)
	m.measurements.Reset()
	for _, node := range snapshot.Nodes() {
		counts[node.Kind]++

		for name, value := range node.Measurements {
			if value.Type != duco.Numeric {
				continue
			}
			m.measurements.WithLabelValues(node.Key(), node.Type, name).Set(value.Number)
		}
	}

	for _, kind := range []duco.Kind{duco.KindUnsupported, duco.KindBoard, duco.KindBox, duco.KindValve, duco.KindSensor, duco.KindControl} {
		m.nodes.WithLabelValues(kind.String()).Set(float64(counts[kind]))
	}
}

func (m *metrics) published(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.publishes.WithLabelValues(kind, result).Inc()
}

func (m *metrics) setConnected(connected bool) {
	m.connected.Set(float64(boolToInt(connected)))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
