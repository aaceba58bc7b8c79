package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "makerspace_visit"

// Metrics holds the Prometheus collectors of the visit service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	VisitsLogged         *prometheus.CounterVec
	RepeatVisits         prometheus.Counter
	InvitesIssued        prometheus.Counter
	MailFailures         prometheus.Counter
	Registrations        *prometheus.CounterVec
	StoreRetries         *prometheus.CounterVec
	PendingMirrorsQueued *prometheus.CounterVec
	PendingMirrorsDone   *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		VisitsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visits_logged_total",
			Help:      "Visits appended to the ledger, by source.",
		}, []string{"source"}),
		RepeatVisits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repeat_visits_total",
			Help:      "Visits logged inside the advisory dedup window of an earlier visit.",
		}),
		InvitesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invites_issued_total",
			Help:      "Registration invites minted for unknown usernames.",
		}),
		MailFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mail_failures_total",
			Help:      "Invite emails that could not be dispatched.",
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts, by outcome.",
		}, []string{"outcome"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Directory calls retried after a transient failure, by operation.",
		}, []string{"operation"}),
		PendingMirrorsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_mirrors_queued_total",
			Help:      "Secondary writes recorded for reconciliation, by kind.",
		}, []string{"kind"}),
		PendingMirrorsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_mirrors_drained_total",
			Help:      "Reconciliation entries processed, by outcome.",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		m.VisitsLogged,
		m.RepeatVisits,
		m.InvitesIssued,
		m.MailFailures,
		m.Registrations,
		m.StoreRetries,
		m.PendingMirrorsQueued,
		m.PendingMirrorsDone,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncVisitsLogged(source string) {
	if m == nil {
		return
	}
	m.VisitsLogged.WithLabelValues(source).Inc()
}

func (m *Metrics) IncRepeatVisits() {
	if m == nil {
		return
	}
	m.RepeatVisits.Inc()
}

func (m *Metrics) IncInvitesIssued() {
	if m == nil {
		return
	}
	m.InvitesIssued.Inc()
}

func (m *Metrics) IncMailFailures() {
	if m == nil {
		return
	}
	m.MailFailures.Inc()
}

func (m *Metrics) IncRegistrations(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStoreRetries(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncPendingMirrorsQueued(kind string) {
	if m == nil {
		return
	}
	m.PendingMirrorsQueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPendingMirrorsDrained(outcome string) {
	if m == nil {
		return
	}
	m.PendingMirrorsDone.WithLabelValues(outcome).Inc()
}
