// Package metrics exposes ingestion counters on a Prometheus registry
// owned by the server instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for the ingestion path.
type Metrics struct {
	EventsIngested       *prometheus.CounterVec
	EventsRejected       prometheus.Counter
	IssuesCreated        prometheus.Counter
	Regressions          prometheus.Counter
	FramesSymbolicated   prometheus.Counter
	NotificationsDropped prometheus.Counter
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "faultline_events_ingested_total",
			Help: "Events accepted by the ingestion pipeline, by outcome.",
		}, []string{"outcome"}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultline_events_rejected_total",
			Help: "Events rejected at validation.",
		}),
		IssuesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultline_issues_created_total",
			Help: "Issues created for novel fingerprints.",
		}),
		Regressions: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultline_issue_regressions_total",
			Help: "Resolved issues reopened by a new event.",
		}),
		FramesSymbolicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultline_frames_symbolicated_total",
			Help: "Stack frames resolved to an original source location.",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "faultline_notifications_dropped_total",
			Help: "Notifications shed because a subscriber buffer overflowed.",
		}),
	}
}
