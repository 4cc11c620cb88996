package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// Metrics holds the prometheus collectors served on /metrics.
type Metrics struct {
	channelState *prometheus.GaugeVec
	analogVolts  *prometheus.GaugeVec
	linkUp       *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchbox",
			Name:      "relay_channel_state",
			Help:      "Last confirmed relay channel state (0 off, 1 half, 2 full)",
		}, []string{"device", "channel"}),
		analogVolts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchbox",
			Name:      "analog_input_volts",
			Help:      "Last polled analog input voltage",
		}, []string{"device", "input"}),
		linkUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchbox",
			Name:      "link_up",
			Help:      "Whether the switch box answered the last poll",
		}, []string{"device"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchbox",
			Name:      "relay_transitions_total",
			Help:      "Confirmed relay channel transitions",
		}, []string{"device", "source"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchbox",
			Name:      "poll_failures_total",
			Help:      "Polls that got no valid answer from the switch box",
		}, []string{"device"}),
	}

	reg.MustRegister(m.channelState, m.analogVolts, m.linkUp, m.transitions, m.pollFailures)
	return m
}

// ObserveChange keeps the channel gauge current between polls and counts the
// transition in both prometheus and DogStatsD.
func (m *Metrics) ObserveChange(c model.ChannelChange) {
	m.channelState.WithLabelValues(c.Device, strconv.Itoa(c.Channel)).Set(float64(c.Current))
	m.transitions.WithLabelValues(c.Device, c.Source).Inc()
	incr("relay.transitions", "device:"+c.Device, "source:"+c.Source)
}

func (m *Metrics) setChannel(device string, channel int, state model.ChannelState) {
	m.channelState.WithLabelValues(device, strconv.Itoa(channel)).Set(float64(state))
}

func (m *Metrics) setAnalog(device, input string, volts float64) {
	m.analogVolts.WithLabelValues(device, input).Set(volts)
}

func (m *Metrics) setLink(device string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.linkUp.WithLabelValues(device).Set(v)
	if !up {
		m.pollFailures.WithLabelValues(device).Inc()
	}
}
