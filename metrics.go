package chatsync

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Total number of inbound events that changed the message store.",
		},
		[]string{"source", "kind"},
	)
	eventsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_duplicate_total",
			Help: "Total number of inbound events suppressed by the dedup window.",
		},
		[]string{"source", "kind"},
	)
	eventsMalformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_malformed_total",
			Help: "Total number of inbound events dropped as malformed.",
		},
		[]string{"source"},
	)
	orphansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_orphans_total",
			Help: "Orphan buffer activity by outcome (buffered, replayed, expired, evicted).",
		},
		[]string{"outcome"},
	)
	contentConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_content_conflicts_total",
			Help: "Total number of authoritative records whose content differed from the held copy.",
		},
	)
	pollFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_poll_fetches_total",
			Help: "Total number of poll fetches by result.",
		},
		[]string{"result"},
	)
	markReadCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mark_read_calls_total",
			Help: "Total number of batched mark-read calls by result.",
		},
		[]string{"result"},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Total number of durable writes by result.",
		},
		[]string{"result"},
	)
	coordinatorTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_coordinator_transitions_total",
			Help: "Total number of channel coordinator state transitions by target state.",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(
		eventsAppliedTotal,
		eventsDuplicateTotal,
		eventsMalformedTotal,
		orphansTotal,
		contentConflictsTotal,
		pollFetchesTotal,
		markReadCallsTotal,
		sendsTotal,
		coordinatorTransitionsTotal,
	)
}

func incApplied(src Source, kind EventKind) {
	eventsAppliedTotal.WithLabelValues(string(src), string(kind)).Inc()
}

func incDuplicate(src Source, kind EventKind) {
	eventsDuplicateTotal.WithLabelValues(string(src), string(kind)).Inc()
}

func incMalformed(src Source) {
	eventsMalformedTotal.WithLabelValues(string(src)).Inc()
}

func addOrphans(outcome string, n int) {
	if n > 0 {
		orphansTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

func incConflict() {
	contentConflictsTotal.Inc()
}

func incPollFetch(result string) {
	pollFetchesTotal.WithLabelValues(result).Inc()
}

func incMarkRead(result string) {
	markReadCallsTotal.WithLabelValues(result).Inc()
}

func incSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

func incTransition(to CoordinatorState) {
	coordinatorTransitionsTotal.WithLabelValues(string(to)).Inc()
}
