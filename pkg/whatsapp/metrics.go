// pkg/whatsapp/metrics.go
package whatsapp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one client. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	listenerErrors   *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	state            prometheus.Gauge
	transitions      *prometheus.CounterVec
	preReadyBuffered prometheus.Gauge
}

// NewMetrics registers the client collectors with reg, labelled with the session name.
// A nil reg uses a private registry, which keeps several clients in one process apart.
func NewMetrics(reg prometheus.Registerer, session string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"session": session}

	return &Metrics{
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "page_events_received_total",
			Help:        "Raw events received from the page bridge, by tag.",
			ConstLabels: labels,
		}, []string{"type"}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "events_delivered_total",
			Help:        "Events dispatched to listeners, by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "page_events_dropped_total",
			Help:        "Page events that were not delivered, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		listenerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "listener_errors_total",
			Help:        "Listener invocations that returned an error or panicked.",
			ConstLabels: labels,
		}, []string{"type"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "protocol_errors_total",
			Help:        "Page payloads that did not match the expected shape.",
			ConstLabels: labels,
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "commands_total",
			Help:        "Outbound page commands, by command and outcome.",
			ConstLabels: labels,
		}, []string{"command", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "wweb",
			Name:        "command_duration_seconds",
			Help:        "Time spent evaluating outbound page commands.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"command"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wweb",
			Name:        "client_state",
			Help:        "Current lifecycle state (0 UNINITIALIZED .. 6 FAILED).",
			ConstLabels: labels,
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wweb",
			Name:        "state_transitions_total",
			Help:        "Lifecycle transitions, by target state.",
			ConstLabels: labels,
		}, []string{"to"}),
		preReadyBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wweb",
			Name:        "pre_ready_buffered_events",
			Help:        "Message events held until the client is ready.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) eventReceived(tag string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(tag).Inc()
}

func (m *Metrics) eventDelivered(t EventType) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) eventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) listenerFailed(t EventType) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) commandDone(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) stateChanged(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) buffered(n int) {
	if m == nil {
		return
	}
	m.preReadyBuffered.Set(float64(n))
}
