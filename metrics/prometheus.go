package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus is a Listener backed by a private prometheus.Registry — never
// the global default registry, so multiple Clients in one process (or
// repeated construction in tests) never collide on metric registration.
type Prometheus struct {
	Registry *prometheus.Registry

	sent      prometheus.Counter
	accepted  prometheus.Counter
	rejected  *prometheus.CounterVec
	writeFail prometheus.Counter
	connNew   prometheus.Counter
	connFail  prometheus.Counter
	connClose prometheus.Counter
}

// NewPrometheus builds a Prometheus listener and registers its collectors
// on reg. Pass a fresh prometheus.NewRegistry() unless the caller deliberately
// wants to share a registry across components.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	p := &Prometheus{
		Registry: reg,
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_notifications_sent_total",
			Help: "Notifications whose bytes were successfully written to the transport.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_notifications_accepted_total",
			Help: "Notifications APNs replied to with :status 200.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apns_notifications_rejected_total",
			Help: "Notifications APNs rejected, labeled by reason.",
		}, []string{"reason"}),
		writeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_write_failures_total",
			Help: "Frame writes that failed before a response was received.",
		}),
		connNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_connections_created_total",
			Help: "Connections successfully established to the gateway.",
		}),
		connFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_connection_failures_total",
			Help: "Connection attempts that failed.",
		}),
		connClose: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apns_connections_closed_total",
			Help: "Connections that transitioned to closed.",
		}),
	}
	reg.MustRegister(p.sent, p.accepted, p.rejected, p.writeFail, p.connNew, p.connFail, p.connClose)
	return p
}

func (p *Prometheus) NotificationSent()     { p.sent.Inc() }
func (p *Prometheus) NotificationAccepted() { p.accepted.Inc() }
func (p *Prometheus) NotificationRejected(reason string) { p.rejected.WithLabelValues(reason).Inc() }
func (p *Prometheus) WriteFailure()             { p.writeFail.Inc() }
func (p *Prometheus) ConnectionCreated()        { p.connNew.Inc() }
func (p *Prometheus) ConnectionCreationFailed() { p.connFail.Inc() }
func (p *Prometheus) ConnectionClosed()         { p.connClose.Inc() }

var _ Listener = (*Prometheus)(nil)
