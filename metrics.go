package wangle

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector is the interface required to collect transport
// statistics.
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// PrometheusStats is a StatsCollector backed by Prometheus metrics, plus a
// connection gauge and an overload-load gauge for embedders that track
// those.
type PrometheusStats struct {
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	activeConns  prometheus.Gauge
	codelLoad    prometheus.Gauge
}

// NewPrometheusStats creates and registers the framework metrics under the
// given namespace.
func NewPrometheusStats(reg prometheus.Registerer, namespace string) *PrometheusStats {
	s := &PrometheusStats{
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from transports",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_written_total",
			Help:      "Total bytes written to transports",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Number of live accepted connections",
		}),
		codelLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "codel_load",
			Help:      "Overload detector load figure (0-100)",
		}),
	}
	reg.MustRegister(s.bytesRead, s.bytesWritten, s.activeConns, s.codelLoad)
	return s
}

// AddBytesRead implements StatsCollector.
func (s *PrometheusStats) AddBytesRead(n int64) { s.bytesRead.Add(float64(n)) }

// AddBytesWritten implements StatsCollector.
func (s *PrometheusStats) AddBytesWritten(n int64) { s.bytesWritten.Add(float64(n)) }

// Observer returns a ConnectionObserver keeping the active-connections
// gauge current; hand it to ServerBootstrap.Observer.
func (s *PrometheusStats) Observer() ConnectionObserver {
	return func(ev ConnectionEvent, _ *TransportInfo) {
		switch ev {
		case ConnectionAdded:
			s.activeConns.Inc()
		case ConnectionRemoved:
			s.activeConns.Dec()
		}
	}
}

// SetCodelLoad publishes the current overload-detector load.
func (s *PrometheusStats) SetCodelLoad(c *Codel) {
	s.codelLoad.Set(float64(c.GetLoad()))
}
