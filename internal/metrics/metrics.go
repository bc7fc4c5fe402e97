package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/state"
)

// Metrics implements every devsim observer and exposes the collectors on
// its own registry.
type Metrics struct {
	registry *prometheus.Registry

	published      prometheus.Counter
	sendFailures   prometheus.Counter
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	configApplied  *prometheus.CounterVec
	inbound        *prometheus.CounterVec
}

var (
	_ devsim.TelemetryObserver = (*Metrics)(nil)
	_ devsim.CommandObserver   = (*Metrics)(nil)
	_ devsim.ConfigObserver    = (*Metrics)(nil)
	_ devsim.InboundObserver   = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsim_telemetry_published_total",
			Help: "Telemetry records handed to the hub successfully.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsim_telemetry_send_failures_total",
			Help: "Telemetry records the connector failed to send.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsim_commands_total",
			Help: "Commands dispatched, by command and result status.",
		}, []string{"command", "status"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devsim_command_duration_seconds",
			Help:    "Command handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"command"}),
		configApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsim_config_applied_total",
			Help: "Desired configuration options applied, by option.",
		}, []string{"option"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsim_inbound_messages_total",
			Help: "Inbound messages received, by decode result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.published, m.sendFailures, m.commands, m.commandLatency, m.configApplied, m.inbound)
	return m
}

// TrackState exports the live device state as gauges read at scrape time.
func (m *Metrics) TrackState(st *state.DeviceState) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "devsim_reading",
			Help: "Current simulated reading.",
		}, st.Reading),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "devsim_message_sequence",
			Help: "Sequence number of the last published record.",
		}, func() float64 { return float64(st.Sequence()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "devsim_cadence_milliseconds",
			Help: "Current publish cadence.",
		}, func() float64 { return float64(st.CadenceMillis()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "devsim_publish_enabled",
			Help: "1 when telemetry publishing is enabled.",
		}, func() float64 {
			if st.PublishEnabled() {
				return 1
			}
			return 0
		}),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTelemetry(_ devsim.TelemetryRecord, err error) {
	if err != nil {
		m.sendFailures.Inc()
		return
	}
	m.published.Inc()
}

func (m *Metrics) ObserveCommand(req devsim.CommandRequest, res devsim.CommandResult, elapsed time.Duration) {
	m.commands.WithLabelValues(req.Name, strconv.Itoa(res.Status)).Inc()
	m.commandLatency.WithLabelValues(req.Name).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveConfig(applied map[string]any) {
	for option := range applied {
		m.configApplied.WithLabelValues(option).Inc()
	}
}

func (m *Metrics) ObserveInbound(_ devsim.InboundMessage, decodeErr error) {
	result := "ok"
	if decodeErr != nil {
		result = "decode_error"
	}
	m.inbound.WithLabelValues(result).Inc()
}
