package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters exposed on /metrics.
type Metrics struct {
	PollsTotal           *prometheus.CounterVec
	PollsInFlight        prometheus.Gauge
	DeltasTotal          prometheus.Counter
	ParticipantsJoined   prometheus.Counter
	ParticipantsLeft     prometheus.Counter
	DeliveriesTotal      *prometheus.CounterVec
	DestinationsDisabled prometheus.Counter
	RealmsDropped        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realmwatch_polls_total",
			Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		PollsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realmwatch_polls_in_flight",
			Help: "Polls currently holding the admission gate.",
		}),
		DeltasTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmwatch_presence_deltas_total",
			Help: "Non-empty presence deltas emitted.",
		}),
		ParticipantsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmwatch_participants_joined_total",
			Help: "Participants observed joining a realm.",
		}),
		ParticipantsLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmwatch_participants_left_total",
			Help: "Participants observed leaving a realm.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realmwatch_deliveries_total",
			Help: "Notification deliveries by result.",
		}, []string{"result"}),
		DestinationsDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmwatch_destinations_disabled_total",
			Help: "Destinations disabled by the invalidation policy.",
		}),
		RealmsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realmwatch_realms_dropped_total",
			Help: "Realms removed from the poll rotation.",
		}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.PollsInFlight,
		m.DeltasTotal,
		m.ParticipantsJoined,
		m.ParticipantsLeft,
		m.DeliveriesTotal,
		m.DestinationsDisabled,
		m.RealmsDropped,
	)
	return m
}
