package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge

	signalsRelayed    prometheus.Counter
	signalsDropped    prometheus.Counter
	messagesMalformed prometheus.Counter
	joinsRejected     *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors on reg; pass nil for the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "couchsync_rooms_active",
			Help: "Number of live rooms",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "couchsync_connections_active",
			Help: "Number of open signaling connections",
		}),
		signalsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "couchsync_signals_relayed_total",
			Help: "Negotiation payloads forwarded between room occupants",
		}),
		signalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "couchsync_signals_dropped_total",
			Help: "Negotiation payloads dropped because no peer was present",
		}),
		messagesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "couchsync_messages_malformed_total",
			Help: "Signaling frames rejected as malformed",
		}),
		joinsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "couchsync_joins_rejected_total",
			Help: "Join attempts rejected, by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) RecordRoomCreated()   { p.roomsActive.Inc() }
func (p *PrometheusCollector) RecordRoomDeleted()   { p.roomsActive.Dec() }
func (p *PrometheusCollector) RecordConnected()     { p.connectionsActive.Inc() }
func (p *PrometheusCollector) RecordDisconnected()  { p.connectionsActive.Dec() }
func (p *PrometheusCollector) RecordSignalRelayed() { p.signalsRelayed.Inc() }
func (p *PrometheusCollector) RecordSignalDropped() { p.signalsDropped.Inc() }
func (p *PrometheusCollector) RecordMalformed()     { p.messagesMalformed.Inc() }

func (p *PrometheusCollector) RecordJoinRejected(reason string) {
	p.joinsRejected.WithLabelValues(reason).Inc()
}
