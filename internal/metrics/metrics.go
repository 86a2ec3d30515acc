package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Broker holds the STOMP hub's collectors.
type Broker struct {
	Sessions          prometheus.Gauge
	Frames            *prometheus.CounterVec
	Deliveries        prometheus.Counter
	DroppedDeliveries prometheus.Counter
	RateLimited       prometheus.Counter
}

// NewBroker creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewBroker(reg prometheus.Registerer) *Broker {
	m := &Broker{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatlink",
			Subsystem: "broker",
			Name:      "sessions",
			Help:      "Connected STOMP sessions on this instance.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "broker",
			Name:      "frames_received_total",
			Help:      "STOMP frames received, by command.",
		}, []string{"command"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "MESSAGE frames queued to local sessions.",
		}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "broker",
			Name:      "dropped_deliveries_total",
			Help:      "Deliveries dropped because a session's send buffer was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "broker",
			Name:      "rate_limited_total",
			Help:      "SEND frames rejected by the per-session rate limit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Frames, m.Deliveries, m.DroppedDeliveries, m.RateLimited)
	}
	return m
}
