package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusRegistry returns a fresh registry per Hub instance rather than
// prometheus.DefaultRegisterer, so multiple Hubs (e.g. in tests) never
// collide on metric registration.
func prometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// CallCounter exposes the active-call count for metrics.
type CallCounter interface {
	GetActiveCallCount() int
}

// ClientCounter exposes the connected-Edge count for metrics.
type ClientCounter interface {
	GetClientCount() int
}

// RegistrationStateProvider exposes the SIP manager's current registration
// state for metrics.
type RegistrationStateProvider interface {
	IsRegistered() bool
}

// collector is a prometheus.Collector gathering Hub metrics at scrape time.
type collector struct {
	clients       ClientCounter
	calls         CallCounter
	registration  RegistrationStateProvider
	startTime     time.Time

	connectedClientsDesc *prometheus.Desc
	activeCallsDesc      *prometheus.Desc
	registeredDesc       *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

func newCollector(clients ClientCounter, calls CallCounter, registration RegistrationStateProvider, startTime time.Time) *collector {
	return &collector{
		clients:      clients,
		calls:        calls,
		registration: registration,
		startTime:    startTime,

		connectedClientsDesc: prometheus.NewDesc(
			"sipfanout_connected_clients",
			"Number of Edge clients currently connected to the Hub",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"sipfanout_active_calls",
			"Number of currently active calls",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"sipfanout_sip_registered",
			"Whether the Hub's SIP manager is currently registered (1=yes, 0=no)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipfanout_uptime_seconds",
			"Seconds since the Hub process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectedClientsDesc
	ch <- c.activeCallsDesc
	ch <- c.registeredDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.clients != nil {
		ch <- prometheus.MustNewConstMetric(c.connectedClientsDesc, prometheus.GaugeValue, float64(c.clients.GetClientCount()))
	}
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(c.calls.GetActiveCallCount()))
	}
	if c.registration != nil {
		val := 0.0
		if c.registration.IsRegistered() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue, val)
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
