package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommittedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "committed_writes_total", Help: "Committed field writes by path (single or batch)."},
		[]string{"path"},
	)
	RejectedWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "rejected_writes_total", Help: "Rejected field writes by error kind."},
		[]string{"kind"},
	)
	HistoryEntries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "history_entries_total", Help: "Edit history entries appended."},
	)
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "formdesk", Name: "realtime_connections", Help: "Currently connected realtime clients."},
	)
	BroadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "broadcast_dropped_total", Help: "Realtime events dropped for slow subscribers, by event type."},
		[]string{"type"},
	)
	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "sessions_reaped_total", Help: "Edit sessions marked inactive by the stale-session reaper."},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "formdesk", Name: "rate_limit_rejected_total", Help: "Requests or realtime messages rejected by a rate limiter."},
		[]string{"limiter"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(CommittedWrites)
	reg.MustRegister(RejectedWrites)
	reg.MustRegister(HistoryEntries)
	reg.MustRegister(RealtimeConnections)
	reg.MustRegister(BroadcastDropped)
	reg.MustRegister(SessionsReaped)
	reg.MustRegister(RateLimitRejected)
}
