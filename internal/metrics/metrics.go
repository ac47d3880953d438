// Package metrics exposes prometheus collectors for the room server.
//
// Naming convention: syncroom_<subsystem>_<name>.
// Gauges hold current state (sessions, rooms, producers); counters hold
// cumulative event totals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current number of connected sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Current number of connected sessions",
	})

	// ActiveRooms is the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// RoomParticipants is the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room"})

	// Events counts processed gateway events by outcome.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total gateway events processed",
	}, []string{"event", "status"})

	// EventDuration tracks event handling latency.
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "gateway",
		Name:      "event_seconds",
		Help:      "Time spent handling gateway events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// ActiveProducers is the current number of live media producers.
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "sfu",
		Name:      "producers_active",
		Help:      "Current number of live media producers",
	})
)
